package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Handle is the stable identity of a stored plot. Handles are never reused.
type Handle uint64

// Record is one stored plot plus its status markers.
type Record struct {
	handle Handle
	Plot   plot.Plot

	// Captured is the timestamp as first recorded by the reporting station,
	// before any skew correction.
	Captured int64

	status plot.StatusSet
}

// Handle returns the stable identity of the record.
func (r *Record) Handle() Handle { return r.handle }

func (r *Record) Has(s plot.Status) bool  { return r.status.Has(s) }
func (r *Record) Set(s plot.Status)       { r.status.Set(s) }
func (r *Record) Clear(s plot.Status)     { r.status.Clear(s) }
func (r *Record) Status() plot.StatusSet  { return r.status }
func (r *Record) Station() plot.StationID { return r.Plot.Station() }

// CapturedPlot returns the plot as the reporting station recorded it.
func (r *Record) CapturedPlot() plot.Plot {
	p := r.Plot
	p.Timestamp = r.Captured
	return p
}

func (r *Record) view() View {
	return View{Handle: r.handle, Plot: r.Plot, Captured: r.Captured, Status: r.status}
}

// View is a read-only copy of a record, safe to hand to other goroutines.
type View struct {
	Handle   Handle         `json:"handle"`
	Plot     plot.Plot      `json:"plot"`
	Captured int64          `json:"captured"`
	Status   plot.StatusSet `json:"status"`
}

// PlotStore owns every plot known to this node, kept in an ordered arena.
// Mutation is expected from a single goroutine (the replication engine); the lock lets
// read-only consumers take snapshots concurrently.
type PlotStore struct {
	mutex   sync.RWMutex
	records []*Record
	byID    map[Handle]*Record
	next    Handle
	logger  *zap.Logger
}

// New creates an empty store.
func New(logger *zap.Logger) *PlotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlotStore{
		byID:   make(map[Handle]*Record),
		next:   1,
		logger: logger.Named("store"),
	}
}

// Append stores p at the end of the arena and marks it NEW.
func (s *PlotStore) Append(p plot.Plot) Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec := &Record{
		handle:   s.next,
		Plot:     p,
		Captured: p.Timestamp,
		status:   plot.NewStatusSet(plot.StatusNew),
	}
	s.next++
	s.records = append(s.records, rec)
	s.byID[rec.handle] = rec

	return rec.handle
}

// Merge appends a batch received from a peer. Merged records are marked NEW only
// when markNew is set, so by default they are not broadcast again.
func (s *PlotStore) Merge(plots []plot.Plot, markNew bool) []Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handles := make([]Handle, 0, len(plots))
	for _, p := range plots {
		rec := &Record{handle: s.next, Plot: p, Captured: p.Timestamp}
		if markNew {
			rec.status.Set(plot.StatusNew)
		}
		s.next++
		s.records = append(s.records, rec)
		s.byID[rec.handle] = rec
		handles = append(handles, rec.handle)
	}
	return handles
}

// SortByTime orders records by timestamp ascending. Records with equal timestamps
// keep their relative order.
func (s *PlotStore) SortByTime() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Plot.Timestamp < s.records[j].Plot.Timestamp
	})
}

// RemoveSet drops every listed handle in one batch and returns how many were removed.
// Unknown handles are ignored. Snapshots taken earlier with Records stay valid.
func (s *PlotStore) RemoveSet(handles []Handle) int {
	if len(handles) == 0 {
		return 0
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	doomed := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		if _, ok := s.byID[h]; ok {
			doomed[h] = struct{}{}
		}
	}
	if len(doomed) == 0 {
		return 0
	}

	kept := make([]*Record, 0, len(s.records)-len(doomed))
	for _, rec := range s.records {
		if _, drop := doomed[rec.handle]; drop {
			delete(s.byID, rec.handle)
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept

	s.logger.Debug("records removed", zap.Int("count", len(doomed)), zap.Int("size", len(kept)))
	return len(doomed)
}

// Records returns the records in store order. The slice is a snapshot: removing
// records later does not disturb a traversal over it.
func (s *PlotStore) Records() []*Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Size returns the number of live records.
func (s *PlotStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}

// Snapshot copies every record for read-only consumers.
func (s *PlotStore) Snapshot() []View {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	views := make([]View, 0, len(s.records))
	for _, rec := range s.records {
		views = append(views, rec.view())
	}
	return views
}

// Update runs fn with the write lock held so status and timestamp changes made by the
// engine are not observed half-done by snapshot readers.
func (s *PlotStore) Update(fn func(records []*Record)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fn(s.records)
}

// GetStats returns store statistics
func (s *PlotStore) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stations := make(map[plot.StationID]int)
	pending := 0
	for _, rec := range s.records {
		stations[rec.Station()]++
		if rec.Has(plot.StatusNew) {
			pending++
		}
	}

	perStation := make(map[string]int, len(stations))
	for st, n := range stations {
		perStation[st.String()] = n
	}

	return map[string]interface{}{
		"total_plots":       len(s.records),
		"pending_replicate": pending,
		"stations":          perStation,
	}
}
