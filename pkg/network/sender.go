package network

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// Replication request headers.
const (
	HeaderStation   = "X-Station-ID"
	HeaderMessageID = "X-Message-ID"
	HeaderReplyURL  = "X-Station-URL" // where the sender accepts batches
	ContentTypeWire = "application/octet-stream"

	ReplicatePath = "/replicate"
)

// BatchSender posts encoded batches to peers.
type BatchSender struct {
	client  *http.Client
	station string
	selfURL string
	logger  *zap.Logger
}

// NewBatchSender creates a sender for the given station. selfURL is advertised to
// receivers so they can answer without static configuration.
func NewBatchSender(station, selfURL string, timeout time.Duration, logger *zap.Logger) *BatchSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchSender{
		client: &http.Client{
			Timeout: timeout,
		},
		station: station,
		selfURL: selfURL,
		logger:  logger.Named("sender"),
	}
}

// Send posts one batch to the peer at url.
func (s *BatchSender) Send(ctx context.Context, url string, batch []byte, msgID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+ReplicatePath, bytes.NewReader(batch))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	req.Header.Set("Content-Type", ContentTypeWire)
	req.Header.Set("User-Agent", "plotrepl/1.0")
	req.Header.Set(HeaderStation, s.station)
	req.Header.Set(HeaderMessageID, msgID)
	if s.selfURL != "" {
		req.Header.Set(HeaderReplyURL, s.selfURL)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", url, err)
	}
	defer resp.Body.Close()

	// A peer that already has this message answers 200; that is still a delivery.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send to %s: HTTP status %d", url, resp.StatusCode)
	}
	return nil
}

// SendAll posts batch to every peer concurrently under one message id. Every failed
// peer is reported in the returned error.
func (s *BatchSender) SendAll(ctx context.Context, peers map[plot.StationID]string, batch []byte) error {
	if len(peers) == 0 {
		return nil
	}
	msgID := uuid.NewString()

	var (
		wg     sync.WaitGroup
		mutex  sync.Mutex
		result *multierror.Error
	)
	for id, url := range peers {
		wg.Add(1)
		go func(id plot.StationID, url string) {
			defer wg.Done()
			if err := s.Send(ctx, url, batch, msgID); err != nil {
				mutex.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
				mutex.Unlock()
				return
			}
			s.logger.Debug("batch delivered",
				zap.Stringer("peer", id),
				zap.String("message_id", msgID),
				zap.Int("bytes", len(batch)),
			)
		}(id, url)
	}
	wg.Wait()

	return result.ErrorOrNil()
}
