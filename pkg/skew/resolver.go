package skew

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/store"
)

// DefaultMaxPasses bounds the resolve/correct loop of one cycle.
const DefaultMaxPasses = 16

// ErrStalled is returned when resolution keeps making progress past the pass limit.
// The store is left consistent; the remaining work is retried next cycle.
var ErrStalled = errors.New("skew: no fixpoint within pass limit")

// Resolution records one newly inferred station offset.
type Resolution struct {
	Station   plot.StationID
	Offset    int64
	Reference plot.StationID // station whose plot served as the reference
	ViaLeader bool           // reference was an uncorrected leader plot
}

// PassResult summarises one resolution pass.
type PassResult struct {
	Resolved []Resolution
	// Deferred counts stations seen in a skew candidate pair that still lack an offset.
	Deferred int
}

// Result summarises a full Run.
type Result struct {
	Passes    int
	Resolved  []Resolution
	Corrected int
	Deferred  int
}

// Resolver infers per-station clock offsets from co-located plots and applies them.
type Resolver struct {
	skew      *SkewMap
	maxPasses int
	logger    *zap.Logger
}

// NewResolver creates a resolver with an empty skew map.
func NewResolver(maxPasses int, logger *zap.Logger) *Resolver {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		skew:      NewSkewMap(),
		maxPasses: maxPasses,
		logger:    logger.Named("skew"),
	}
}

// SkewMap exposes the resolved offsets.
func (r *Resolver) SkewMap() *SkewMap {
	return r.skew
}

// groupCoLocated buckets co-located records, keeping store order both across and
// within buckets so passes are deterministic.
func groupCoLocated(records []*store.Record) [][]*store.Record {
	byDrone := make(map[uint32][]int)
	var groups [][]*store.Record

	for _, rec := range records {
		i := -1
		for _, g := range byDrone[rec.Plot.DroneID] {
			if groups[g][0].Plot.CoLocated(rec.Plot) {
				i = g
				break
			}
		}
		if i < 0 {
			i = len(groups)
			byDrone[rec.Plot.DroneID] = append(byDrone[rec.Plot.DroneID], i)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	return groups
}

// Pass runs one inference pass over records. It marks the leader's plots for the
// duration of the pass, records offsets for stations that can be resolved against a
// leader plot or an already resolved station, and flags their uncorrected plots SKEWED.
func (r *Resolver) Pass(records []*store.Record, order plot.PriorityOrder) PassResult {
	var result PassResult

	if leader, ok := order.Leader(); ok {
		for _, rec := range records {
			if rec.Station() == leader {
				rec.Set(plot.StatusLeader)
			}
		}
	}
	defer func() {
		for _, rec := range records {
			rec.Clear(plot.StatusLeader)
		}
	}()

	waiting := make(map[plot.StationID]struct{})
	for _, group := range groupCoLocated(records) {
		if len(group) < 2 {
			continue
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.Station() == b.Station() || a.Plot.Timestamp == b.Plot.Timestamp {
					continue
				}

				if res, ok := r.resolve(a, b); ok {
					result.Resolved = append(result.Resolved, res)
				}
				if res, ok := r.resolve(b, a); ok {
					result.Resolved = append(result.Resolved, res)
				}

				for _, rec := range []*store.Record{a, b} {
					if !r.skew.Has(rec.Station()) && !rec.Has(plot.StatusSyncd) {
						waiting[rec.Station()] = struct{}{}
					}
				}
			}
		}
	}

	for id := range waiting {
		if !r.skew.Has(id) {
			result.Deferred++
		}
	}

	for _, rec := range records {
		if !rec.Has(plot.StatusSyncd) && r.skew.Has(rec.Station()) {
			rec.Set(plot.StatusSkewed)
		}
	}

	return result
}

// resolve tries to infer the offset of this's station using other as the reference.
func (r *Resolver) resolve(this, other *store.Record) (Resolution, bool) {
	// A corrected plot no longer carries its station's clock, so it cannot
	// be used to measure that clock.
	if this.Has(plot.StatusSyncd) || r.skew.Has(this.Station()) {
		return Resolution{}, false
	}

	ref, viaLeader, ok := r.reference(other)
	if !ok {
		return Resolution{}, false
	}

	res := Resolution{
		Station:   this.Station(),
		Offset:    ref - this.Plot.Timestamp,
		Reference: other.Station(),
		ViaLeader: viaLeader,
	}
	if !r.skew.record(res.Station, res.Offset) {
		return Resolution{}, false
	}

	r.logger.Debug("station skew resolved",
		zap.Stringer("station", res.Station),
		zap.Int64("offset", res.Offset),
		zap.Stringer("reference", res.Reference),
		zap.Bool("via_leader", viaLeader),
	)
	return res, true
}

// reference returns other's timestamp expressed in the reference frame, if known.
func (r *Resolver) reference(other *store.Record) (int64, bool, bool) {
	if other.Has(plot.StatusSyncd) {
		return other.Plot.Timestamp, false, true
	}
	if off, ok := r.skew.Get(other.Station()); ok {
		return other.Plot.Timestamp + off, false, true
	}
	if other.Has(plot.StatusLeader) {
		// The leader's clock defines the frame until it has an offset of its own.
		r.skew.record(other.Station(), 0)
		return other.Plot.Timestamp, true, true
	}
	return 0, false, false
}

// Correct moves every uncorrected plot of a resolved station into the reference frame.
// Each plot is corrected at most once.
func (r *Resolver) Correct(records []*store.Record) int {
	corrected := 0
	for _, rec := range records {
		if rec.Has(plot.StatusSyncd) {
			continue
		}
		off, ok := r.skew.Get(rec.Station())
		if !ok {
			continue
		}
		rec.Plot.Timestamp += off
		rec.Set(plot.StatusSyncd)
		rec.Clear(plot.StatusSkewed)
		corrected++
	}
	return corrected
}

// Run alternates Pass and Correct until a pass resolves no new station.
// It returns ErrStalled when MaxPasses is reached first.
func (r *Resolver) Run(st *store.PlotStore, order plot.PriorityOrder) (Result, error) {
	var result Result

	for pass := 1; pass <= r.maxPasses; pass++ {
		var (
			pr        PassResult
			corrected int
		)
		st.Update(func(records []*store.Record) {
			pr = r.Pass(records, order)
			corrected = r.Correct(records)
		})

		result.Passes = pass
		result.Resolved = append(result.Resolved, pr.Resolved...)
		result.Corrected += corrected
		result.Deferred = pr.Deferred

		if len(pr.Resolved) == 0 {
			return result, nil
		}
	}

	r.logger.Warn("skew resolution did not settle",
		zap.Int("passes", result.Passes),
		zap.Int("resolved", len(result.Resolved)),
	)
	return result, fmt.Errorf("%w: %d passes", ErrStalled, result.Passes)
}

// Invalidate forgets a station's offset so it is inferred again.
func (r *Resolver) Invalidate(id plot.StationID) bool {
	ok := r.skew.Invalidate(id)
	if ok {
		r.logger.Info("station skew invalidated", zap.Stringer("station", id))
	}
	return ok
}
