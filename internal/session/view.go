package session

// View is an immutable snapshot of identities and tags taken by
// Registry.Snapshot.
type View struct {
	entries []viewEntry
}

type viewEntry struct {
	id   string
	tags Tags
}

// Query returns the sorted identities in the view whose tags satisfy match.
func (v *View) Query(match func(Tags) bool) []string {
	if v == nil {
		return nil
	}
	ids := make([]string, 0, len(v.entries))
	for _, e := range v.entries {
		if match(e.tags) {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Len returns the number of identities in the view.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.entries)
}

// NewView builds a View from a fixed identity to tags map.
func NewView(tags map[string]Tags) *View {
	v := &View{entries: make([]viewEntry, 0, len(tags))}
	for id, t := range tags {
		v.entries = append(v.entries, viewEntry{id: id, tags: t})
	}
	sortEntries(v.entries)
	return v
}
