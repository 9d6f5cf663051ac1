package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeBus struct {
	mu       sync.Mutex
	events   []domain.Event
	failures int // fail this many calls before succeeding
	calls    int
	block    chan struct{}
	started  chan struct{}
}

func (b *fakeBus) Publish(ctx context.Context, e domain.Event) error {
	if b.started != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return errors.New("bus unavailable")
	}
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBus) delivered() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

type fakeDLQ struct {
	mu     sync.Mutex
	events []domain.Event
	causes []error
}

func (d *fakeDLQ) Put(_ context.Context, e domain.Event, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	d.causes = append(d.causes, cause)
	return nil
}

func fastOpts() Options {
	return Options{Buffer: 8, Workers: 2, EnqueueTimeout: 20 * time.Millisecond, MaxRetries: 3, RetryBase: time.Millisecond}
}

func TestPublisher_Delivers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{}
	p := NewPublisher(bus, nil, fastOpts())

	p.Publish(context.Background(), "acme", domain.EventUserSignedUp, map[string]any{"subject_id": "S1"})
	require.NoError(t, p.Close(context.Background()))

	got := bus.delivered()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventUserSignedUp, got[0].Type)
	assert.Equal(t, "acme", got[0].TenantID)
	assert.NotEmpty(t, got[0].EventID)
	assert.False(t, got[0].OccurredAt.IsZero())
}

func TestPublisher_RetriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{failures: 2}
	dlq := &fakeDLQ{}
	p := NewPublisher(bus, dlq, fastOpts())

	p.Publish(context.Background(), "acme", domain.EventUserConfirmed, nil)
	require.NoError(t, p.Close(context.Background()))

	assert.Len(t, bus.delivered(), 1)
	assert.Empty(t, dlq.events)
}

func TestPublisher_ExhaustedGoesToDeadLetter(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{failures: 100}
	dlq := &fakeDLQ{}
	p := NewPublisher(bus, dlq, fastOpts())

	p.Publish(context.Background(), "acme", domain.EventUserSignedIn, nil)
	require.NoError(t, p.Close(context.Background()))

	assert.Empty(t, bus.delivered())
	require.Len(t, dlq.events, 1)
	assert.Equal(t, domain.EventUserSignedIn, dlq.events[0].Type)
	assert.ErrorContains(t, dlq.causes[0], "bus unavailable")
	// first attempt plus MaxRetries
	assert.Equal(t, 4, bus.calls)
}

func TestPublisher_FullBufferDropsWithinTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{block: make(chan struct{}), started: make(chan struct{}, 1)}
	opts := fastOpts()
	opts.Buffer = 1
	opts.Workers = 1
	p := NewPublisher(bus, nil, opts)
	ctx := context.Background()

	p.Publish(ctx, "acme", "first", nil)
	<-bus.started // worker holds the first event
	p.Publish(ctx, "acme", "second", nil)

	start := time.Now()
	p.Publish(ctx, "acme", "third", nil)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, opts.EnqueueTimeout)
	assert.Less(t, elapsed, time.Second)

	close(bus.block)
	require.NoError(t, p.Close(ctx))

	var types []string
	for _, e := range bus.delivered() {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, types)
}

func TestPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{}
	p := NewPublisher(bus, nil, fastOpts())
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "acme", domain.EventUserSignedOut, nil)
	})
	assert.Empty(t, bus.delivered())
}

func TestPublisher_CloseDeadlineCancelsRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &fakeBus{block: make(chan struct{})}
	dlq := &fakeDLQ{}
	p := NewPublisher(bus, dlq, fastOpts())
	p.Publish(context.Background(), "acme", domain.EventUserSignedIn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, dlq.events, 1)
}

func TestLogBus_RedactsCode(t *testing.T) {
	var buf bytes.Buffer
	bus := LogBus{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	payload := map[string]any{"subject_id": "S1", "code": "123456", "purpose": "SIGNUP_CONFIRM"}

	require.NoError(t, bus.Publish(context.Background(), domain.Event{
		EventID: "e1", Type: domain.EventVerificationCodeSent, TenantID: "acme", Payload: payload,
	}))
	assert.NotContains(t, buf.String(), "123456")
	assert.Contains(t, buf.String(), "[redacted]")
	assert.Contains(t, buf.String(), "S1")
	assert.Equal(t, "123456", payload["code"], "caller's payload is not modified")
}
