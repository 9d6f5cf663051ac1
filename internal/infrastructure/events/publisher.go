// Package events delivers domain events to the bus without blocking callers.
//
// Publish enqueues onto a bounded buffer and gives up after the enqueue timeout.
// Workers deliver at least once with exponential backoff; events that exhaust
// their retries go to the dead-letter sink when one is configured.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/infrastructure/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Bus is the downstream transport, e.g. an SNS topic.
type Bus interface {
	Publish(ctx context.Context, e domain.Event) error
}

// DeadLetterSink archives undeliverable events.
type DeadLetterSink interface {
	Put(ctx context.Context, e domain.Event, cause error) error
}

type Options struct {
	Buffer          int
	Workers         int
	EnqueueTimeout  time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	DeliveryTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 200 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
}

type Publisher struct {
	bus  Bus
	dlq  DeadLetterSink
	opts Options
	now  func() time.Time

	queue  chan domain.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPublisher starts the delivery workers. dlq may be nil.
func NewPublisher(bus Bus, dlq DeadLetterSink, opts Options) *Publisher {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		bus:    bus,
		dlq:    dlq,
		opts:   opts,
		now:    time.Now,
		queue:  make(chan domain.Event, opts.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Publish enqueues an event. It never fails the caller: when the buffer stays
// full past the enqueue timeout, or the publisher is closed, the event is
// dropped and logged.
func (p *Publisher) Publish(ctx context.Context, tenantID, eventType string, payload map[string]any) {
	e := domain.Event{
		EventID:    uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(e, "publisher closed")
		return
	}

	timer := time.NewTimer(p.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case p.queue <- e:
	case <-timer.C:
		p.drop(e, "event buffer full")
	case <-ctx.Done():
		p.drop(e, "caller context done")
	}
}

func (p *Publisher) drop(e domain.Event, reason string) {
	metrics.RecordEvent(e.Type, metrics.EventDropped)
	slog.Warn("event dropped", "reason", reason, "event_id", e.EventID, "type", e.Type, "tenant_id", e.TenantID)
}

func (p *Publisher) work() {
	defer p.wg.Done()
	for e := range p.queue {
		p.deliver(e)
	}
}

func (p *Publisher) deliver(e domain.Event) {
	backoff := retry.WithMaxRetries(uint64(p.opts.MaxRetries), retry.NewExponential(p.opts.RetryBase))
	var last error
	err := retry.Do(p.ctx, backoff, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, p.opts.DeliveryTimeout)
		defer cancel()
		if err := p.bus.Publish(dctx, e); err != nil {
			last = err
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		metrics.RecordEvent(e.Type, metrics.EventDelivered)
		return
	}
	if last == nil {
		last = err
	}

	if p.dlq != nil {
		// The dead letter write gets its own budget so shutdown cancellation
		// does not discard it.
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.DeliveryTimeout)
		defer cancel()
		dlqErr := p.dlq.Put(ctx, e, last)
		if dlqErr == nil {
			metrics.RecordEvent(e.Type, metrics.EventDeadLetter)
			slog.Warn("event dead-lettered", "event_id", e.EventID, "type", e.Type, "err", last)
			return
		}
		last = errors.Join(last, dlqErr)
	}
	metrics.RecordEvent(e.Type, metrics.EventLost)
	slog.Error("event lost", "event_id", e.EventID, "type", e.Type, "tenant_id", e.TenantID, "err", last)
}

// Close stops accepting events and waits for the buffer to drain. When ctx ends
// first, in-flight retries are cancelled and the remaining events go straight
// to the dead-letter sink.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// LogBus writes events to the log. Used when no topic is configured.
// Verification codes are redacted.
type LogBus struct {
	Logger *slog.Logger // defaults to slog.Default()
}

// redactedKeys are payload fields never written to the log.
var redactedKeys = []string{"code"}

func (b LogBus) Publish(_ context.Context, e domain.Event) error {
	l := b.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("event", "event_id", e.EventID, "type", e.Type, "tenant_id", e.TenantID, "payload", redact(e.Payload))
	return nil
}

func redact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, k := range redactedKeys {
		if _, ok := out[k]; ok {
			out[k] = "[redacted]"
		}
	}
	return out
}
