package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// PeerSink receives membership changes. network.PeerTable implements it.
type PeerSink interface {
	Observe(id plot.StationID, url string) bool
	Remove(id plot.StationID) bool
}

// Meta is gossiped with every member so peers know where to send batches.
type Meta struct {
	URL string `json:"url"`
}

// Config for the SWIM membership layer
type Config struct {
	Station  plot.StationID
	Prefix   string
	BindAddr string
	BindPort int
	APIURL   string   // replication endpoint advertised to the cluster
	Seeds    []string // host:port of members to join
}

// delegate serves the local node meta; memberlist calls it from its own goroutines.
type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// events translates memberlist events into peer table updates.
type events struct {
	self   string
	prefix string
	sink   PeerSink
	logger *zap.Logger
}

func (e *events) station(n *memberlist.Node) (plot.StationID, bool) {
	if n.Name == e.self {
		return 0, false
	}
	id, err := plot.ParseStationID(e.prefix, n.Name)
	if err != nil {
		e.logger.Warn("member with foreign name ignored", zap.String("member", n.Name), zap.Error(err))
		return 0, false
	}
	return id, true
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	id, ok := e.station(n)
	if !ok {
		return
	}
	meta, err := DecodeMeta(n.Meta)
	if err != nil || meta.URL == "" {
		e.logger.Warn("member without replication url", zap.String("member", n.Name), zap.Error(err))
		return
	}
	e.sink.Observe(id, meta.URL)
	e.logger.Info("member joined", zap.String("member", n.Name), zap.String("addr", n.Address()), zap.String("url", meta.URL))
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	id, ok := e.station(n)
	if !ok {
		return
	}
	e.sink.Remove(id)
	e.logger.Info("member left", zap.String("member", n.Name))
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.NotifyJoin(n)
}

// EncodeMeta renders the node meta.
func EncodeMeta(m Meta) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMeta parses node meta sent by another member.
func DecodeMeta(b []byte) (Meta, error) {
	var m Meta
	if len(b) == 0 {
		return m, fmt.Errorf("empty member meta")
	}
	err := json.Unmarshal(b, &m)
	return m, err
}

// Manager runs SWIM membership for one station and keeps a PeerSink up to date.
type Manager struct {
	ml      *memberlist.Memberlist
	station string
	logger  *zap.Logger
}

// New creates the memberlist and joins the seeds. Failing to reach the seeds is not
// fatal; other members can still join this node later.
func New(cfg Config, sink PeerSink, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("membership")
	name := cfg.Station.Name(cfg.Prefix)

	meta, err := EncodeMeta(Meta{URL: cfg.APIURL})
	if err != nil {
		return nil, fmt.Errorf("encode member meta: %w", err)
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = name
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Delegate = &delegate{meta: meta}
	mlCfg.Events = &events{self: name, prefix: cfg.Prefix, sink: sink, logger: logger}
	mlCfg.LogOutput = io.Discard

	mlCfg.PushPullInterval = 30 * time.Second
	mlCfg.ProbeTimeout = time.Second
	mlCfg.ProbeInterval = 5 * time.Second

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	m := &Manager{ml: ml, station: name, logger: logger}

	if len(cfg.Seeds) > 0 {
		if n, err := ml.Join(cfg.Seeds); err != nil {
			logger.Warn("joining seeds failed", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
		} else {
			logger.Info("joined cluster", zap.Int("contacted", n))
		}
	}
	return m, nil
}

// LocalAddr returns the gossip address of this node.
func (m *Manager) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// Members returns the names of every live member except this one.
func (m *Manager) Members() []string {
	var names []string
	for _, n := range m.ml.Members() {
		if n.Name != m.station {
			names = append(names, n.Name)
		}
	}
	return names
}

// Leave announces departure and stops gossiping.
func (m *Manager) Leave(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return m.ml.Shutdown()
}

// GetStats returns membership statistics
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"station":       m.station,
		"total_members": m.ml.NumMembers(),
		"local_addr":    m.LocalAddr(),
	}
}
