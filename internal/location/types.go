package location

import (
	"fmt"
	"sort"
)

// Room is a physical space. Zones are finer-grained areas inside it
// (e.g. "bridge-helm" inside "bridge").
type Room struct {
	ID    string   `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Zones []string `yaml:"zones" json:"zones"`
}

// Layout indexes rooms and the zone to room relation.
type Layout struct {
	rooms    []Room
	byID     map[string]int
	zoneRoom map[string]string
}

// NewLayout validates rooms and builds the indexes. Rooms without a name
// use their id.
func NewLayout(rooms []Room) (*Layout, error) {
	l := &Layout{
		rooms:    make([]Room, 0, len(rooms)),
		byID:     make(map[string]int, len(rooms)),
		zoneRoom: make(map[string]string),
	}

	for _, r := range rooms {
		if err := ValidateID(r.ID); err != nil {
			return nil, fmt.Errorf("room: %w", err)
		}
		if _, dup := l.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoom, r.ID)
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		if err := ValidateName(r.Name); err != nil {
			return nil, fmt.Errorf("room %s: %w", r.ID, err)
		}

		zones := append([]string(nil), r.Zones...)
		for _, z := range zones {
			if err := ValidateID(z); err != nil {
				return nil, fmt.Errorf("room %s zone: %w", r.ID, err)
			}
			if owner, taken := l.zoneRoom[z]; taken {
				return nil, fmt.Errorf("%w: %s in %s and %s", ErrZoneConflict, z, owner, r.ID)
			}
			l.zoneRoom[z] = r.ID
		}
		r.Zones = zones

		l.byID[r.ID] = len(l.rooms)
		l.rooms = append(l.rooms, r)
	}
	return l, nil
}

// RoomForZone returns the room owning zone.
func (l *Layout) RoomForZone(zone string) (string, bool) {
	if l == nil {
		return "", false
	}
	room, ok := l.zoneRoom[zone]
	return room, ok
}

// Room returns a copy of one room.
func (l *Layout) Room(id string) (Room, error) {
	if l == nil {
		return Room{}, ErrRoomNotFound
	}
	i, ok := l.byID[id]
	if !ok {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	r := l.rooms[i]
	r.Zones = append([]string(nil), r.Zones...)
	return r, nil
}

// Rooms returns copies of every room, sorted by id.
func (l *Layout) Rooms() []Room {
	if l == nil {
		return nil
	}
	out := make([]Room, len(l.rooms))
	for i, r := range l.rooms {
		r.Zones = append([]string(nil), r.Zones...)
		out[i] = r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Zones returns every known zone, sorted.
func (l *Layout) Zones() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.zoneRoom))
	for z := range l.zoneRoom {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}
