// Package notify carries ledger notifications to the reminder gateway. The
// ledger publishes after a commit and never waits for delivery.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"toolledger/internal/metrics"
)

// Type names an outbound notification.
type Type string

const (
	LoanReturned    Type = "LoanReturned"
	ToolTransferred Type = "ToolTransferred"
	LoanOverdue     Type = "LoanOverdue"
)

// Notification is the gateway payload.
type Notification struct {
	Type       Type      `json:"type"`
	EmployeeID string    `json:"employee_id"`
	LoanID     uuid.UUID `json:"loan_id"`
	ToolNames  []string  `json:"tool_names"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher accepts notifications without blocking. Publish reports whether
// the notification was queued.
type Publisher interface {
	Publish(n Notification) bool
}

// Sink delivers one notification.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Publish(Notification) bool { return true }

var ErrClosed = errors.New("dispatcher closed")

// Dispatcher queues notifications in a bounded buffer and delivers them from a
// single goroutine. A full buffer drops the notification.
type Dispatcher struct {
	sink    Sink
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(sink Sink, buffer int, log logrus.FieldLogger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log.WithField("sink", sink.Name()),
		timeout: 5 * time.Second,
		queue:   make(chan Notification, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.RecordNotification(d.sink.Name(), "closed")
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		metrics.RecordNotification(d.sink.Name(), "dropped")
		d.log.WithFields(logrus.Fields{"type": n.Type, "loan_id": n.LoanID}).Warn("notification queue full, dropping")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, n)
		cancel()
		if err != nil {
			metrics.RecordNotification(d.sink.Name(), "failed")
			d.log.WithError(err).WithFields(logrus.Fields{"type": n.Type, "loan_id": n.LoanID}).Warn("notification delivery failed")
			continue
		}
		metrics.RecordNotification(d.sink.Name(), "delivered")
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notifications: %w", ctx.Err())
	}
}

// LogSink writes notifications to the log. It is the default sink.
type LogSink struct {
	Log logrus.FieldLogger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.WithFields(logrus.Fields{
		"type":        n.Type,
		"employee_id": n.EmployeeID,
		"loan_id":     n.LoanID,
		"tool_names":  n.ToolNames,
	}).Info("notification")
	return nil
}

// RedisSink publishes notifications as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "toolledger.notifications"
	}
	return &RedisSink{client: client, channel: channel}
}

func (*RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}
