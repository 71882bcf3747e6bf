// README: Outbox decouples ride mutations from event delivery with a bounded
// queue drained by one background worker.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
)

type Outbox struct {
	pub     Publisher
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewOutbox(pub Publisher, size int, timeout time.Duration, log logrus.FieldLogger) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Outbox{
		pub:     pub,
		log:     log,
		timeout: timeout,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
}

// Enqueue never blocks. It reports false when the event was dropped because
// the queue is full or the outbox is closed.
func (o *Outbox) Enqueue(e Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped(e, "outbox closed")
		return false
	}
	select {
	case o.queue <- e:
		return true
	default:
		o.dropped(e, "queue full")
		return false
	}
}

// Run publishes queued events until Close is called and the queue drains.
func (o *Outbox) Run() {
	defer close(o.done)
	for e := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.pub.Publish(ctx, e); err != nil {
			o.log.WithFields(logrus.Fields{
				"event":    e.Type,
				"event_id": e.ID,
				"ride_id":  e.RideID,
				"error":    err,
			}).Error("event publish failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for the worker to flush what is
// already queued, or for ctx to end.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) dropped(e Event, reason string) {
	o.log.WithFields(logrus.Fields{
		"event":    e.Type,
		"event_id": e.ID,
		"ride_id":  e.RideID,
		"reason":   reason,
	}).Warn("event dropped")
}
