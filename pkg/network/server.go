package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// MaxBatchBytes bounds the body of a replication request.
const MaxBatchBytes = 8 << 20

var ErrNotBound = errors.New("network: server is not bound")

// Server accepts replicated batches and serves the node's read endpoints.
// Endpoints backed by the engine are plugged in through the handler fields.
type Server struct {
	station  string
	prefix   string
	queue    *InboundQueue
	peers    *PeerTable
	listener net.Listener
	mux      *http.ServeMux
	server   *http.Server
	logger   *zap.Logger

	StatsHandler      http.HandlerFunc
	PlotsHandler      http.HandlerFunc
	SkewHandler       http.HandlerFunc
	InvalidateHandler http.HandlerFunc
	InjectHandler     http.HandlerFunc
	MetricsHandler    http.Handler
}

// NewServer creates a server for station. Batches go to queue; senders that advertise
// a reply url are recorded in peers.
func NewServer(station, prefix string, queue *InboundQueue, peers *PeerTable, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		station: station,
		prefix:  prefix,
		queue:   queue,
		peers:   peers,
		mux:     mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("server"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc(ReplicatePath, s.handleReplicate)
	s.mux.HandleFunc("/stats", s.wrap("stats", http.MethodGet, func() http.HandlerFunc { return s.StatsHandler }))
	s.mux.HandleFunc("/plots", s.wrap("plots", http.MethodGet, func() http.HandlerFunc { return s.PlotsHandler }))
	s.mux.HandleFunc("/skew", s.wrap("skew", http.MethodGet, func() http.HandlerFunc { return s.SkewHandler }))
	s.mux.HandleFunc("/skew/invalidate", s.wrap("invalidate", http.MethodPost, func() http.HandlerFunc { return s.InvalidateHandler }))
	s.mux.HandleFunc("/plot", s.wrap("plot", http.MethodPost, func() http.HandlerFunc { return s.InjectHandler }))
	s.mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.MetricsHandler == nil {
			s.sendNotImplemented(w, "metrics")
			return
		}
		s.MetricsHandler.ServeHTTP(w, r)
	})
}

// Bind opens the listening socket. Failure here is fatal for the node.
func (s *Server) Bind(addr string, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", addr, port, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen serves requests in the background.
func (s *Server) Listen() error {
	if s.listener == nil {
		return ErrNotBound
	}
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"station": s.station,
		"status":  "healthy",
		"queued":  s.queue.Len(),
		"peers":   s.peers.Count(),
	})
}

// handleReplicate accepts one encoded batch. The body is not decoded here; framing is
// checked by the engine when it drains the queue.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sender := r.Header.Get(HeaderStation)
	id, err := plot.ParseStationID(s.prefix, sender)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad %s header: %v", HeaderStation, err), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBatchBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxBatchBytes {
		http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
		return
	}

	msgID := r.Header.Get(HeaderMessageID)
	if msgID == "" {
		msgID = uuid.NewString()
	}

	if s.peers.Observe(id, r.Header.Get(HeaderReplyURL)) {
		s.logger.Info("peer learned from replication", zap.String("peer", sender))
	}

	switch err := s.queue.Offer(Inbound{Station: sender, MessageID: msgID, Payload: body}); {
	case errors.Is(err, ErrDuplicateMessage):
		s.logger.Debug("duplicate batch ignored", zap.String("sender", sender), zap.String("message_id", msgID))
		WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "duplicate", "message_id": msgID})
	case errors.Is(err, ErrQueueFull):
		s.logger.Warn("inbound queue full", zap.String("sender", sender))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		WriteJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued", "message_id": msgID})
	}
}

func (s *Server) wrap(feature, method string, handler func() http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Station-ID", s.station)
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h := handler()
		if h == nil {
			s.sendNotImplemented(w, feature)
			return
		}
		h(w, r)
	}
}

func (s *Server) sendNotImplemented(w http.ResponseWriter, feature string) {
	WriteJSON(w, http.StatusNotImplemented, map[string]interface{}{
		"error":   "not implemented",
		"feature": feature,
	})
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	addr := ""
	if a := s.Addr(); a != nil {
		addr = a.String()
	}
	return map[string]interface{}{
		"station": s.station,
		"addr":    addr,
		"queue":   s.queue.GetStats(),
		"peers":   s.peers.GetStats(),
	}
}

// WriteJSON writes v as a JSON response. Handlers plugged into Server use it too.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
