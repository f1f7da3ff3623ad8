package plot

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultStationPrefix is the textual prefix peers use to name a station ("ds" + node id).
const DefaultStationPrefix = "ds"

// Plot is a single drone sighting reported by one station.
type Plot struct {
	DroneID   uint32  `json:"drone_id"`
	NodeID    uint32  `json:"node_id"`
	Timestamp int64   `json:"timestamp"` // seconds, station-local until corrected
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Station returns the identifier of the reporting station.
func (p Plot) Station() StationID {
	return StationID(p.NodeID)
}

// CoLocated reports whether both plots describe the same drone at the same position.
func (p Plot) CoLocated(other Plot) bool {
	return p.DroneID == other.DroneID &&
		p.Latitude == other.Latitude &&
		p.Longitude == other.Longitude
}

func (p Plot) String() string {
	return fmt.Sprintf("drone=%d node=%d t=%d lat=%g lon=%g",
		p.DroneID, p.NodeID, p.Timestamp, p.Latitude, p.Longitude)
}

// StationID identifies a reporting station by its numeric node id.
type StationID uint32

// Name renders the station as the transport names it, e.g. "ds3".
func (s StationID) Name(prefix string) string {
	return prefix + strconv.FormatUint(uint64(s), 10)
}

func (s StationID) String() string {
	return s.Name(DefaultStationPrefix)
}

// ParseStationID is the inverse of StationID.Name.
func ParseStationID(prefix, name string) (StationID, error) {
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("station %q: missing prefix %q", name, prefix)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("station %q: %w", name, err)
	}
	return StationID(id), nil
}

// PriorityOrder lists stations from highest to lowest priority.
// The first element is the current leader.
type PriorityOrder []StationID

// ParsePriorityOrder converts the transport's textual order into station ids.
// Names that cannot be parsed are returned separately and left out of the order;
// a station listed twice keeps its first position.
func ParsePriorityOrder(prefix string, names []string) (PriorityOrder, []string) {
	order := make(PriorityOrder, 0, len(names))
	seen := make(map[StationID]struct{}, len(names))
	var rejected []string

	for _, name := range names {
		id, err := ParseStationID(prefix, name)
		if err != nil {
			rejected = append(rejected, name)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}

	return order, rejected
}

// Leader returns the front of the order.
func (o PriorityOrder) Leader() (StationID, bool) {
	if len(o) == 0 {
		return 0, false
	}
	return o[0], true
}

// Rank returns the position of id in the order, 0 being the leader.
func (o PriorityOrder) Rank(id StationID) (int, bool) {
	for i, s := range o {
		if s == id {
			return i, true
		}
	}
	return 0, false
}

// Prefers reports whether a strictly outranks b. A listed station outranks an unlisted
// one; two unlisted stations are incomparable and Prefers returns false both ways.
func (o PriorityOrder) Prefers(a, b StationID) bool {
	ra, okA := o.Rank(a)
	rb, okB := o.Rank(b)
	switch {
	case okA && okB:
		return ra < rb
	case okA:
		return true
	default:
		return false
	}
}

// Names renders the order the way the transport does.
func (o PriorityOrder) Names(prefix string) []string {
	names := make([]string, len(o))
	for i, s := range o {
		names[i] = s.Name(prefix)
	}
	return names
}
