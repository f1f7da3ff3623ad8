package dedup

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/store"
)

// DefaultMaxPasses bounds the number of comparison passes per Run.
const DefaultMaxPasses = 16

// ErrStalled is returned when passes keep removing records past the pass limit.
var ErrStalled = errors.New("dedup: no fixpoint within pass limit")

// Policy selects what makes two records the same observation.
type Policy struct {
	// MatchDrone additionally requires equal drone ids, not only equal time and position.
	MatchDrone bool
}

// DefaultPolicy requires time, position and drone id to match.
func DefaultPolicy() Policy {
	return Policy{MatchDrone: true}
}

// Removal describes one dropped record.
type Removal struct {
	Dropped store.Handle
	Station plot.StationID
	KeptBy  plot.StationID
}

// Result summarises a Run.
type Result struct {
	Passes     int
	Removed    []Removal
	Unresolved int // duplicate groups left alone because no station in them is ranked
}

// Deduplicator drops records that denote the same observation as a record from a
// higher priority station.
type Deduplicator struct {
	policy    Policy
	maxPasses int
	logger    *zap.Logger
}

// New creates a Deduplicator.
func New(policy Policy, maxPasses int, logger *zap.Logger) *Deduplicator {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		policy:    policy,
		maxPasses: maxPasses,
		logger:    logger.Named("dedup"),
	}
}

type dupKey struct {
	timestamp int64
	lat, lon  float64
	drone     uint32
}

func (d *Deduplicator) key(p plot.Plot) dupKey {
	k := dupKey{timestamp: p.Timestamp, lat: p.Latitude, lon: p.Longitude}
	if d.policy.MatchDrone {
		k.drone = p.DroneID
	}
	return k
}

// Pass compares every record against the others and marks the losers DUPE.
// Nothing is removed here; the returned removals are applied by the caller after the
// pass so the traversal never sees the collection change under it.
func (d *Deduplicator) Pass(records []*store.Record, order plot.PriorityOrder) ([]Removal, int) {
	index := make(map[dupKey]int)
	var groups [][]*store.Record

	for _, rec := range records {
		if rec.Has(plot.StatusDupe) {
			continue
		}
		k := d.key(rec.Plot)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	var (
		removals   []Removal
		unresolved int
	)
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		dropped, ambiguous := d.settleGroup(group, order)
		removals = append(removals, dropped...)
		if ambiguous {
			unresolved++
		}
	}

	return removals, unresolved
}

// settleGroup decides which records of a duplicate group survive.
// The best ranked record beats every other record in the group. Without any ranked
// record, only repeated copies from the same station are dropped.
func (d *Deduplicator) settleGroup(group []*store.Record, order plot.PriorityOrder) ([]Removal, bool) {
	var winner *store.Record
	for _, rec := range group {
		if _, ranked := order.Rank(rec.Station()); !ranked {
			continue
		}
		if winner == nil || order.Prefers(rec.Station(), winner.Station()) {
			winner = rec
		}
	}

	var removals []Removal
	drop := func(rec *store.Record, keptBy plot.StationID) {
		rec.Set(plot.StatusDupe)
		removals = append(removals, Removal{
			Dropped: rec.Handle(),
			Station: rec.Station(),
			KeptBy:  keptBy,
		})
	}

	if winner != nil {
		for _, rec := range group {
			if rec != winner {
				drop(rec, winner.Station())
			}
		}
		return removals, false
	}

	first := make(map[plot.StationID]*store.Record)
	for _, rec := range group {
		if kept, seen := first[rec.Station()]; seen {
			drop(rec, kept.Station())
			continue
		}
		first[rec.Station()] = rec
	}
	return removals, len(first) > 1
}

// Run repeats passes until one removes nothing. Removals are applied in one batch
// after each pass.
func (d *Deduplicator) Run(st *store.PlotStore, order plot.PriorityOrder) (Result, error) {
	var result Result

	for pass := 1; pass <= d.maxPasses; pass++ {
		var removals []Removal
		st.Update(func(records []*store.Record) {
			removals, result.Unresolved = d.Pass(records, order)
		})
		result.Passes = pass

		if len(removals) == 0 {
			return result, nil
		}

		handles := make([]store.Handle, len(removals))
		for i, r := range removals {
			handles[i] = r.Dropped
			d.logger.Debug("duplicate plot dropped",
				zap.Uint64("handle", uint64(r.Dropped)),
				zap.Stringer("station", r.Station),
				zap.Stringer("kept_by", r.KeptBy),
			)
		}
		st.RemoveSet(handles)
		result.Removed = append(result.Removed, removals...)
	}

	d.logger.Warn("deduplication did not settle",
		zap.Int("passes", result.Passes),
		zap.Int("removed", len(result.Removed)),
	)
	return result, fmt.Errorf("%w: %d passes", ErrStalled, result.Passes)
}
