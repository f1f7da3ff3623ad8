package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/internal/config"
	"github.com/heitortanoue/plotrepl/pkg/plot"
)

var ErrClosed = errors.New("network: transport closed")

// Transport moves batches between this node and its peers over HTTP.
// Requests are received on the server goroutines; the engine only sees them after
// Pump moves them to the pending list.
type Transport struct {
	station  plot.StationID
	prefix   string
	priority []string // fixed priority order, when configured

	server *Server
	queue  *InboundQueue
	peers  *PeerTable
	sender *BatchSender
	logger *zap.Logger

	pending []Inbound
	closed  atomic.Bool
}

// NewTransport builds the transport described by cfg.
func NewTransport(cfg *config.ReplConfig, clock clockwork.Clock, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	static, err := cfg.PeerURLs()
	if err != nil {
		return nil, err
	}
	queue, err := NewInboundQueue(cfg.QueueSize, cfg.SeenMsgSize)
	if err != nil {
		return nil, fmt.Errorf("inbound queue: %w", err)
	}

	peers := NewPeerTable(cfg.Station(), cfg.PeerTimeout, clock)
	for id, url := range static {
		peers.AddStatic(id, url)
	}

	name := cfg.StationName()

	return &Transport{
		station:  cfg.Station(),
		prefix:   cfg.StationPrefix,
		priority: cfg.Priority,
		server:   NewServer(name, cfg.StationPrefix, queue, peers, logger),
		queue:    queue,
		peers:    peers,
		sender:   NewBatchSender(name, cfg.ReplicationURL(), cfg.SendTimeout, logger),
		logger:   logger,
	}, nil
}

// Server returns the HTTP server so endpoints can be attached.
func (t *Transport) Server() *Server { return t.server }

// Peers returns the peer table.
func (t *Transport) Peers() *PeerTable { return t.peers }

// Bind opens the listening socket.
func (t *Transport) Bind(addr string, port int) error {
	return t.server.Bind(addr, port)
}

// Listen starts accepting requests.
func (t *Transport) Listen() error {
	return t.server.Listen()
}

// Pump expires stale peers and takes every batch received so far.
func (t *Transport) Pump(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if n := t.peers.Prune(); n > 0 {
		t.logger.Info("expired peers removed", zap.Int("count", n))
	}
	for {
		msg, ok := t.queue.TryPop()
		if !ok {
			return nil
		}
		t.pending = append(t.pending, msg)
	}
}

// PopInbound returns the oldest pumped batch.
func (t *Transport) PopInbound() (Inbound, bool) {
	if len(t.pending) == 0 {
		return Inbound{}, false
	}
	msg := t.pending[0]
	t.pending[0] = Inbound{}
	t.pending = t.pending[1:]
	return msg, true
}

// Broadcast sends batch to every live peer.
func (t *Transport) Broadcast(ctx context.Context, batch []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.sender.SendAll(ctx, t.peers.URLs(), batch)
}

// PriorityOrder returns the configured order or, without one, every live station
// ascending by id so the lowest id leads.
func (t *Transport) PriorityOrder() []string {
	if len(t.priority) > 0 {
		out := make([]string, len(t.priority))
		copy(out, t.priority)
		return out
	}
	return plot.PriorityOrder(t.peers.Stations()).Names(t.prefix)
}

// Close stops the server and refuses further pumping.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// GetStats returns transport statistics. It is safe to call from any goroutine, so
// batches already pumped to the engine are not counted.
func (t *Transport) GetStats() map[string]interface{} {
	stats := t.server.GetStats()
	stats["priority"] = t.PriorityOrder()
	stats["closed"] = t.closed.Load()
	return stats
}
