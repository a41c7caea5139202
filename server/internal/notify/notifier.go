package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sightline/sightline/server/internal/config"
	"github.com/sightline/sightline/server/internal/metrics"
	"github.com/sightline/sightline/server/internal/registry"
)

const defaultTimeout = 10 * time.Second

// Notification is one record announcement.
type Notification struct {
	ID     string          `json:"id"`
	Reason string          `json:"reason"` // "new" | "improved"
	Record registry.Record `json:"-"`
	At     time.Time       `json:"at"`
}

// Sender delivers a notification to one target.
type Sender interface {
	// Name identifies the target type in logs and metrics.
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Options configures a Notifier.
type Options struct {
	Threshold     float64
	QueueSize     int
	RatePerSecond float64
	Timeout       time.Duration
}

// Notifier queues and delivers record notifications.
//
// Notifier is safe for concurrent use.
type Notifier struct {
	threshold atomic.Uint64 // math.Float64bits
	queue     chan Notification
	senders   []Sender
	limiter   *rate.Limiter
	timeout   time.Duration
	now       func() time.Time
}

// New creates a Notifier that delivers to senders. With no senders, Notify
// still queues (and Run drains) so the ingest path behaves the same.
func New(opts Options, senders ...Sender) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = config.DefaultRatePerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	n := &Notifier{
		queue:   make(chan Notification, opts.QueueSize),
		senders: senders,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		timeout: opts.Timeout,
		now:     time.Now,
	}
	n.SetThreshold(opts.Threshold)
	return n
}

// FromConfig builds a Notifier and its senders from the server notify config.
// Targets whose URL or credentials resolve empty are skipped with a warning.
func FromConfig(cfg config.NotifyConfig) *Notifier {
	client := &http.Client{Timeout: cfg.Timeout}
	var senders []Sender
	for _, t := range cfg.Targets {
		s := newSender(t, client)
		if s == nil {
			slog.Warn("notify: target has no credentials in environment, skipping", "type", t.Type)
			continue
		}
		senders = append(senders, s)
	}
	return New(Options{
		Threshold:     cfg.Threshold,
		QueueSize:     cfg.QueueSize,
		RatePerSecond: cfg.RatePerSecond,
		Timeout:       cfg.Timeout,
	}, senders...)
}

// Threshold returns the minimum metric that triggers a notification.
func (n *Notifier) Threshold() float64 {
	return math.Float64frombits(n.threshold.Load())
}

// SetThreshold changes the threshold; safe to call while running.
func (n *Notifier) SetThreshold(v float64) {
	n.threshold.Store(math.Float64bits(v))
}

// Observe notifies about res if it was accepted and its metric reaches the
// threshold. It reports whether a notification was queued.
func (n *Notifier) Observe(res registry.SubmitResult) bool {
	if !res.Accepted || res.Record.Metric < n.Threshold() {
		return false
	}
	reason := "improved"
	if res.IsNew {
		reason = "new"
	}
	return n.enqueue(res.Record, reason)
}

// Notify queues rec without checking the threshold. It never blocks; when the
// queue is full the notification is dropped and false is returned.
func (n *Notifier) Notify(rec registry.Record) bool {
	return n.enqueue(rec, "new")
}

func (n *Notifier) enqueue(rec registry.Record, reason string) bool {
	item := Notification{
		ID:     uuid.NewString(),
		Reason: reason,
		Record: rec,
		At:     n.now(),
	}
	select {
	case n.queue <- item:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		slog.Warn("notify: queue full, dropping notification",
			"key", rec.Key, "queue_cap", cap(n.queue))
		return false
	}
}

// Pending returns the number of queued notifications.
func (n *Notifier) Pending() int { return len(n.queue) }

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			n.deliver(ctx, item)
		}
	}
}

// deliver sends item to every target. Errors, including a panicking sender,
// are logged but do not affect the caller.
func (n *Notifier) deliver(ctx context.Context, item Notification) {
	for _, s := range n.senders {
		if err := n.send(ctx, s, item); err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "failed").Inc()
			slog.Error("notify: delivery failed",
				"target", s.Name(),
				"key", item.Record.Key,
				"id", item.ID,
				"err", err,
			)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "delivered").Inc()
		slog.Debug("notify: delivered",
			"target", s.Name(),
			"key", item.Record.Key,
			"reason", item.Reason,
		)
	}
}

// send runs one sender under the per-send timeout, turning a panic into an
// error.
func (n *Notifier) send(ctx context.Context, s Sender, item Notification) (err error) {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return s.Send(sendCtx, item)
}
