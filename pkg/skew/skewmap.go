package skew

import (
	"sync"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// SkewMap holds the inferred clock offset of each station, in seconds, relative to the
// reference frame. Adding a station's offset to one of its timestamps moves it into
// that frame. Entries are written once and live for the whole run.
type SkewMap struct {
	offsets map[plot.StationID]int64
	mutex   sync.RWMutex
}

// NewSkewMap creates an empty map.
func NewSkewMap() *SkewMap {
	return &SkewMap{offsets: make(map[plot.StationID]int64)}
}

// Get returns the offset of a station, if known.
func (m *SkewMap) Get(id plot.StationID) (int64, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	off, ok := m.offsets[id]
	return off, ok
}

// Has reports whether the station is resolved.
func (m *SkewMap) Has(id plot.StationID) bool {
	_, ok := m.Get(id)
	return ok
}

// record stores off for id unless id is already resolved.
func (m *SkewMap) record(id plot.StationID, off int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.offsets[id]; exists {
		return false
	}
	m.offsets[id] = off
	return true
}

// Invalidate forgets the offset of a station so it is inferred again from fresh data.
// Plots already corrected with the old offset stay corrected.
func (m *SkewMap) Invalidate(id plot.StationID) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.offsets[id]; !exists {
		return false
	}
	delete(m.offsets, id)
	return true
}

// Len returns the number of resolved stations.
func (m *SkewMap) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.offsets)
}

// Snapshot copies the map for read-only consumers.
func (m *SkewMap) Snapshot() map[plot.StationID]int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make(map[plot.StationID]int64, len(m.offsets))
	for id, off := range m.offsets {
		out[id] = off
	}
	return out
}
