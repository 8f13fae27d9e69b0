package targeting

import (
	"slices"

	"github.com/nerrad567/marchog-core/internal/session"
)

// Snapshot is the registry view targets resolve against.
// *session.Registry and *session.View satisfy it.
type Snapshot interface {
	Query(match func(session.Tags) bool) []string
}

// Resolution is the outcome of Resolve: identities, or a literal topic.
type Resolution struct {
	// IDs are sorted and de-duplicated.
	IDs []string

	// Topic is set only for topic targets.
	Topic string
}

// Empty reports whether nothing is addressed. An empty resolution is
// valid; dispatching it is a logged no-op.
func (r Resolution) Empty() bool {
	return len(r.IDs) == 0 && r.Topic == ""
}

// Resolve computes the recipients of t against snap. It is pure and
// deterministic.
func Resolve(t Target, snap Snapshot) Resolution {
	switch t.kind {
	case KindIDs:
		return Resolution{IDs: t.Identities()}
	case KindTopic:
		return Resolution{Topic: t.value}
	case KindCategory:
		return query(snap, func(tags session.Tags) bool { return tags.HasCategory(t.value) })
	case KindZone:
		return query(snap, func(tags session.Tags) bool { return tags.Zone == t.value })
	case KindRoom:
		return query(snap, func(tags session.Tags) bool { return tags.Room == t.value })
	case KindBroadcast:
		return query(snap, func(session.Tags) bool { return true })
	}
	return Resolution{}
}

func query(snap Snapshot, match func(session.Tags) bool) Resolution {
	if snap == nil {
		return Resolution{}
	}
	ids := slices.Clone(snap.Query(match))
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return Resolution{}
	}
	return Resolution{IDs: ids}
}
