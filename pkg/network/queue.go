package network

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrQueueFull        = errors.New("network: inbound queue full")
	ErrDuplicateMessage = errors.New("network: message already received")
)

// Inbound is one batch received from a peer, still in wire form.
type Inbound struct {
	Station   string
	MessageID string
	Payload   []byte
}

// InboundQueue hands received batches from the HTTP handlers to the engine.
// Messages whose id was already accepted are rejected so redelivered batches are
// merged only once.
type InboundQueue struct {
	ch   chan Inbound
	seen *lru.Cache[string, struct{}]

	mutex      sync.Mutex
	accepted   uint64
	duplicates uint64
	rejected   uint64
}

// NewInboundQueue creates a queue holding up to size batches and remembering the
// last seenSize message ids.
func NewInboundQueue(size, seenSize int) (*InboundQueue, error) {
	seen, err := lru.New[string, struct{}](seenSize)
	if err != nil {
		return nil, err
	}
	return &InboundQueue{
		ch:   make(chan Inbound, size),
		seen: seen,
	}, nil
}

// Offer enqueues msg without blocking.
func (q *InboundQueue) Offer(msg Inbound) error {
	if msg.MessageID != "" {
		if found, _ := q.seen.ContainsOrAdd(msg.MessageID, struct{}{}); found {
			q.count(&q.duplicates)
			return ErrDuplicateMessage
		}
	}

	select {
	case q.ch <- msg:
		q.count(&q.accepted)
		return nil
	default:
		// Let the sender retry the same message later.
		if msg.MessageID != "" {
			q.seen.Remove(msg.MessageID)
		}
		q.count(&q.rejected)
		return ErrQueueFull
	}
}

// TryPop returns the oldest queued message, if any.
func (q *InboundQueue) TryPop() (Inbound, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	default:
		return Inbound{}, false
	}
}

// Len returns the number of queued messages.
func (q *InboundQueue) Len() int {
	return len(q.ch)
}

func (q *InboundQueue) count(c *uint64) {
	q.mutex.Lock()
	*c++
	q.mutex.Unlock()
}

// GetStats returns queue statistics
func (q *InboundQueue) GetStats() map[string]interface{} {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return map[string]interface{}{
		"queued":     len(q.ch),
		"capacity":   cap(q.ch),
		"accepted":   q.accepted,
		"duplicates": q.duplicates,
		"rejected":   q.rejected,
	}
}
