// Package sweeper revokes sessions whose expiry has passed so they drop out of
// the expiry index and subscribers learn about them.
package sweeper

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/infrastructure/metrics"
)

const defaultPageSize int32 = 100

type sessionStore interface {
	ListByExpiry(ctx context.Context, before time.Time, cursor string, limit int32) ([]domain.SessionRecord, string, error)
	Revoke(ctx context.Context, tenantID, sessionID string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload map[string]any)
}

type Sweeper struct {
	store    sessionStore
	events   eventPublisher
	interval time.Duration
	pageSize int32
	timeout  time.Duration
	now      func() time.Time
}

func New(store sessionStore, events eventPublisher, interval, storeTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &Sweeper{
		store:    store,
		events:   events,
		interval: interval,
		pageSize: defaultPageSize,
		timeout:  storeTimeout,
		now:      time.Now,
	}
}

// Expired yields active sessions whose expiry is before the given time, one
// page at a time. Iteration stops after the first error, which is yielded.
// Nothing is read until the sequence is ranged over.
func Expired(ctx context.Context, store sessionStore, before time.Time, pageSize int32, storeTimeout time.Duration) iter.Seq2[domain.SessionRecord, error] {
	return func(yield func(domain.SessionRecord, error) bool) {
		cursor := ""
		for {
			pctx, cancel := context.WithTimeout(ctx, storeTimeout)
			page, next, err := store.ListByExpiry(pctx, before, cursor, pageSize)
			cancel()
			if err != nil {
				yield(domain.SessionRecord{}, err)
				return
			}
			for _, s := range page {
				if !yield(s, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("session sweep failed", "revoked", n, "err", err)
				continue
			}
			if n > 0 {
				slog.Info("session sweep", "revoked", n)
			}
		}
	}
}

// Sweep revokes every session that expired before now and emits
// SessionExpired for each. It returns how many were revoked.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	revoked := 0
	for sess, err := range Expired(ctx, s.store, s.now(), s.pageSize, s.timeout) {
		if err != nil {
			return revoked, err
		}
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		err = s.store.Revoke(rctx, sess.TenantID, sess.SessionID)
		cancel()
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return revoked, err
		}
		revoked++
		metrics.RecordSessionExpired()
		s.events.Publish(ctx, sess.TenantID, domain.EventSessionExpired, map[string]any{
			"subject_id": sess.SubjectID,
			"session_id": sess.SessionID,
			"expires_at": sess.ExpiresAt,
		})
	}
	return revoked, nil
}
