package plot

import "strings"

// Status is one marker a stored plot can carry.
type Status int

const (
	StatusNew    Status = iota // not yet replicated out
	StatusLeader               // reported by the current leader, valid for one skew pass
	StatusSyncd                // timestamp already corrected into the reference frame
	StatusSkewed               // station skew known, correction pending
	StatusDupe                 // redundant, pending removal

	statusCount
)

var statusNames = [statusCount]string{
	StatusNew:    "NEW",
	StatusLeader: "LEADER",
	StatusSyncd:  "SYNCD",
	StatusSkewed: "SKEWED",
	StatusDupe:   "DUPE",
}

func (s Status) String() string {
	if s < 0 || s >= statusCount {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// StatusSet is the set of markers attached to one stored plot.
type StatusSet struct {
	flags [statusCount]bool
}

// NewStatusSet returns a set holding the given markers.
func NewStatusSet(statuses ...Status) StatusSet {
	var set StatusSet
	for _, s := range statuses {
		set.Set(s)
	}
	return set
}

func (ss *StatusSet) Set(s Status) {
	if s >= 0 && s < statusCount {
		ss.flags[s] = true
	}
}

func (ss *StatusSet) Clear(s Status) {
	if s >= 0 && s < statusCount {
		ss.flags[s] = false
	}
}

func (ss StatusSet) Has(s Status) bool {
	return s >= 0 && s < statusCount && ss.flags[s]
}

// List returns the markers in declaration order.
func (ss StatusSet) List() []Status {
	var out []Status
	for s := Status(0); s < statusCount; s++ {
		if ss.flags[s] {
			out = append(out, s)
		}
	}
	return out
}

func (ss StatusSet) String() string {
	parts := make([]string, 0, statusCount)
	for _, s := range ss.List() {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "|")
}

// MarshalText lets the set appear as "NEW|SYNCD" in JSON output.
func (ss StatusSet) MarshalText() ([]byte, error) {
	return []byte(ss.String()), nil
}
