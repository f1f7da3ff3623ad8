package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/internal/config"
	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/dedup"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/plot"
	"github.com/heitortanoue/plotrepl/pkg/skew"
	"github.com/heitortanoue/plotrepl/pkg/store"
)

// State is the phase of the replication loop.
type State string

const (
	StateIdle        State = "IDLE"
	StateDraining    State = "DRAINING"
	StateReconciling State = "RECONCILING"
	StateSelecting   State = "SELECTING"
	StateStopped     State = "STOPPED"
)

// ErrEncoding means an outbound batch did not come out record aligned.
var ErrEncoding = errors.New("engine: outbound batch misaligned")

// Transport is what the engine needs from the network layer.
type Transport interface {
	Pump(ctx context.Context) error
	PopInbound() (network.Inbound, bool)
	Broadcast(ctx context.Context, batch []byte) error
	PriorityOrder() []string
}

// Source yields the plots this station recorded up to simulated time now.
type Source interface {
	Poll(now int64) []plot.Plot
}

type Opt func(*Engine)

func WithClock(clock clockwork.Clock) Opt {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Opt {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithSource(source Source) Opt {
	return func(e *Engine) {
		e.source = source
	}
}

// WithRegistry registers the engine metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Opt {
	return func(e *Engine) {
		e.registry = reg
	}
}

type counters struct {
	cycles            uint64
	merged            uint64
	local             uint64
	replicated        uint64
	broadcasts        uint64
	broadcastFailures uint64
	framingErrors     uint64
	stalls            uint64
	removed           uint64
	lastBroadcast     int64
}

// Engine runs the reconciliation loop of one station: drain inbound batches, correct
// clock skew, drop duplicates and periodically broadcast new plots.
// RunCycle and Run must be called from one goroutine; the accessors are safe anywhere.
type Engine struct {
	cfg       *config.ReplConfig
	station   plot.StationID
	transport Transport
	source    Source
	store     *store.PlotStore
	resolver  *skew.Resolver
	dedup     *dedup.Deduplicator

	clock    clockwork.Clock
	start    time.Time
	lastRepl int64

	logger   *zap.Logger
	events   *logging.NodeLogger
	registry *prometheus.Registry
	metrics  *metrics

	invalidate chan plot.StationID
	shutdown   atomic.Bool

	networkStats func() map[string]interface{} // set by Attach

	mutex sync.RWMutex
	state State
	stats counters
}

// New creates an engine for the station described by cfg.
func New(cfg *config.ReplConfig, transport Transport, opts ...Opt) *Engine {
	e := &Engine{
		cfg:        cfg,
		station:    cfg.Station(),
		transport:  transport,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		invalidate: make(chan plot.StationID, 16),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}

	e.events = logging.NewNodeLogger(cfg.StationName(), e.logger)
	e.logger = e.events.Logger()
	e.metrics = newMetrics(e.registry)
	e.store = store.New(e.logger)
	e.resolver = skew.NewResolver(cfg.MaxPasses, e.logger)
	e.dedup = dedup.New(dedup.Policy{MatchDrone: cfg.DedupMatchDrone}, cfg.MaxPasses, e.logger)
	e.start = e.clock.Now().Add(time.Duration(cfg.Offset) * time.Second)

	return e
}

// AdjustedTime returns the simulated seconds since start, scaled by the time multiplier.
func (e *Engine) AdjustedTime() int64 {
	elapsed := e.clock.Now().Unix() - e.start.Unix()
	return int64(float64(elapsed) * e.cfg.TimeMult)
}

// Run executes cycles until Shutdown is called or ctx is done. A cycle that has begun
// always completes, so the store is reconciled when Run returns.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateStopped)

	e.logger.Info("replication engine started",
		zap.Float64("time_mult", e.cfg.TimeMult),
		zap.Int64("secs_between_repl", e.cfg.SecsBetweenRepl),
	)

	cycleCtx := context.WithoutCancel(ctx)
	for !e.shutdown.Load() && ctx.Err() == nil {
		if err := e.RunCycle(cycleCtx); err != nil {
			if errors.Is(err, network.ErrClosed) {
				break
			}
			e.events.LogError("cycle", err)
			return err
		}
		e.clock.Sleep(e.cfg.PollInterval)
	}

	e.logger.Info("replication engine stopped", zap.Int("plots", e.store.Size()))
	return nil
}

// Shutdown asks Run to return after the current cycle.
func (e *Engine) Shutdown() {
	e.shutdown.Store(true)
}

// InvalidateSkew forgets the offset of station at the start of the next cycle so it
// can be inferred again. Plots already corrected keep their timestamps.
// It reports false when too many invalidations are already pending.
func (e *Engine) InvalidateSkew(station plot.StationID) bool {
	select {
	case e.invalidate <- station:
		return true
	default:
		return false
	}
}

// RunCycle performs one full iteration: pump, drain, reconcile and, when due, select.
func (e *Engine) RunCycle(ctx context.Context) error {
	began := e.clock.Now()
	defer e.setState(StateIdle)

	e.applyInvalidations()

	if err := e.transport.Pump(ctx); err != nil {
		return fmt.Errorf("pump: %w", err)
	}

	now := e.AdjustedTime()
	e.collectLocal(now)

	e.setState(StateDraining)
	if err := e.drain(); err != nil {
		return err
	}

	e.setState(StateReconciling)
	e.reconcile(e.priorityOrder())

	if now-e.lastRepl > e.cfg.SecsBetweenRepl {
		e.setState(StateSelecting)
		if _, err := e.selectOutbound(ctx); err != nil {
			return err
		}
		e.lastRepl = e.AdjustedTime()
	}

	size := e.store.Size()
	e.metrics.cycles.Inc()
	e.metrics.cycleDuration.Observe(e.clock.Since(began).Seconds())
	e.metrics.storeSize.Set(float64(size))
	e.metrics.skewStations.Set(float64(e.resolver.SkewMap().Len()))
	e.update(func(c *counters) { c.cycles++ })
	e.events.LogMetrics("cycle", e.clock.Since(began), size)

	return nil
}

func (e *Engine) applyInvalidations() {
	for {
		select {
		case id := <-e.invalidate:
			if e.resolver.Invalidate(id) {
				e.logger.Info("station skew invalidated", zap.String("skewed", e.name(id)))
			}
		default:
			return
		}
	}
}

func (e *Engine) collectLocal(now int64) {
	if e.source == nil {
		return
	}
	plots := e.source.Poll(now)
	if len(plots) == 0 {
		return
	}
	for _, p := range plots {
		e.store.Append(p)
	}
	e.metrics.local.Add(float64(len(plots)))
	e.update(func(c *counters) { c.local += uint64(len(plots)) })
	e.events.LogLocalPlots(len(plots))
}

// drain merges every pending inbound batch.
func (e *Engine) drain() error {
	for {
		msg, ok := e.transport.PopInbound()
		if !ok {
			return nil
		}

		plots, err := plot.DecodeBatch(msg.Payload)
		if err != nil {
			e.metrics.framingErrors.Inc()
			e.update(func(c *counters) { c.framingErrors++ })
			if e.cfg.FramingPolicy == config.FramingDrop {
				e.events.LogBatchDropped(msg.Station, err)
				continue
			}
			return fmt.Errorf("batch from %s: %w", msg.Station, err)
		}

		e.store.Merge(plots, e.cfg.RelayReplicated)
		e.metrics.merged.Add(float64(len(plots)))
		e.update(func(c *counters) { c.merged += uint64(len(plots)) })
		e.events.LogBatchMerged(msg.Station, len(plots))
	}
}

func (e *Engine) priorityOrder() plot.PriorityOrder {
	order, rejected := plot.ParsePriorityOrder(e.cfg.StationPrefix, e.transport.PriorityOrder())
	if len(rejected) > 0 {
		e.logger.Debug("priority entries ignored", zap.Strings("entries", rejected))
	}
	return order
}

// reconcile sorts the store, resolves and applies skew, then removes duplicates.
// Stalls leave the store consistent and are retried next cycle.
func (e *Engine) reconcile(order plot.PriorityOrder) {
	e.store.SortByTime()

	res, err := e.resolver.Run(e.store, order)
	for _, r := range res.Resolved {
		e.events.LogSkewResolved(e.name(r.Station), r.Offset, e.name(r.Reference))
	}
	e.metrics.skewResolved.Add(float64(len(res.Resolved)))
	e.metrics.corrected.Add(float64(res.Corrected))
	if err != nil {
		e.stall("skew", res.Passes, err)
	}

	e.store.SortByTime()

	dres, err := e.dedup.Run(e.store, order)
	if n := len(dres.Removed); n > 0 {
		e.metrics.duplicates.Add(float64(n))
		e.update(func(c *counters) { c.removed += uint64(n) })
		e.events.LogDuplicatesRemoved(n, e.store.Size())
	}
	if dres.Unresolved > 0 {
		e.logger.Debug("duplicates left without a ranked station", zap.Int("groups", dres.Unresolved))
	}
	if err != nil {
		e.stall("dedup", dres.Passes, err)
	}
}

func (e *Engine) stall(stage string, passes int, err error) {
	e.metrics.stalls.WithLabelValues(stage).Inc()
	e.update(func(c *counters) { c.stalls++ })
	e.events.LogStall(stage, passes)
	e.logger.Debug("stall detail", zap.String("stage", stage), zap.Error(err))
}

// selectOutbound broadcasts every NEW record that survived deduplication, carrying the
// timestamp as this node first recorded it, and clears NEW on all of them.
// It returns the number of plots delivered; a failed broadcast delivers none.
func (e *Engine) selectOutbound(ctx context.Context) (int, error) {
	var batch []plot.Plot
	e.store.Update(func(records []*store.Record) {
		for _, rec := range records {
			if !rec.Has(plot.StatusNew) {
				continue
			}
			if !rec.Has(plot.StatusDupe) {
				batch = append(batch, rec.CapturedPlot())
			}
			rec.Clear(plot.StatusNew)
		}
	})

	if len(batch) == 0 {
		e.events.LogNothingToReplicate()
		return 0, nil
	}

	data := plot.EncodeBatch(batch)
	payload := len(data) - plot.BatchHeaderSize
	if payload < 0 || payload%plot.RecordSize != 0 || payload/plot.RecordSize != len(batch) {
		return 0, fmt.Errorf("%w: %d bytes for %d plots", ErrEncoding, len(data), len(batch))
	}

	err := e.transport.Broadcast(ctx, data)
	e.events.LogReplicated(len(batch), err)
	if err != nil {
		e.metrics.broadcastFailures.Inc()
		e.update(func(c *counters) { c.broadcastFailures++ })
		return 0, nil
	}

	e.metrics.replicated.Add(float64(len(batch)))
	e.update(func(c *counters) {
		c.replicated += uint64(len(batch))
		c.broadcasts++
		c.lastBroadcast = e.AdjustedTime()
	})
	return len(batch), nil
}

func (e *Engine) name(id plot.StationID) string {
	return id.Name(e.cfg.StationPrefix)
}

func (e *Engine) setState(s State) {
	e.mutex.Lock()
	e.state = s
	e.mutex.Unlock()
}

func (e *Engine) update(fn func(c *counters)) {
	e.mutex.Lock()
	fn(&e.stats)
	e.mutex.Unlock()
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.state
}

// Store exposes the plot store for read-only consumers.
func (e *Engine) Store() *store.PlotStore {
	return e.store
}

// Registry returns the registry holding the engine metrics.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// SkewSnapshot returns the known offsets keyed by station name.
func (e *Engine) SkewSnapshot() map[string]int64 {
	snap := e.resolver.SkewMap().Snapshot()
	out := make(map[string]int64, len(snap))
	for id, off := range snap {
		out[e.name(id)] = off
	}
	return out
}

// GetStats returns engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	e.mutex.RLock()
	state, c := e.state, e.stats
	e.mutex.RUnlock()

	return map[string]interface{}{
		"station":            e.cfg.StationName(),
		"state":              string(state),
		"adjusted_time":      e.AdjustedTime(),
		"cycles":             c.cycles,
		"plots_local":        c.local,
		"plots_merged":       c.merged,
		"plots_replicated":   c.replicated,
		"broadcasts":         c.broadcasts,
		"broadcast_failures": c.broadcastFailures,
		"last_broadcast":     c.lastBroadcast,
		"duplicates":         c.removed,
		"framing_errors":     c.framingErrors,
		"stalls":             c.stalls,
		"skew_stations":      e.resolver.SkewMap().Len(),
		"store":              e.store.GetStats(),
	}
}
