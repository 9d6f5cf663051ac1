package redisinfra

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	sess:<tenant>:<sid>        hash with the session fields
//	sess:expiry                zset, score expires_at, member <tenant>|<sid>, active only
//	sess:subj:<tenant>:<sub>   set of session ids issued to the subject
const (
	expiryKey = "sess:expiry"

	// retention keeps revoked and expired hashes around after the refresh
	// window so late lookups still answer "revoked" instead of "not found".
	retention = 24 * time.Hour
)

func sessionKey(tenantID, sessionID string) string {
	return "sess:" + tenantID + ":" + sessionID
}

func subjectKey(tenantID, subjectID string) string {
	return "sess:subj:" + tenantID + ":" + subjectID
}

func expiryMember(tenantID, sessionID string) string { return tenantID + "|" + sessionID }

const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
redis.call("EXPIREAT", KEYS[1], ARGV[3])
if ARGV[2] ~= "" then
  redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
end
redis.call("SADD", KEYS[3], ARGV[7])
redis.call("EXPIREAT", KEYS[3], ARGV[3])
return 1
`

// touchScript applies only to sessions that are neither revoked nor expired at ARGV[1].
const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked")
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if revoked == "1" or exp <= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "last_access_at", ARGV[1], "expires_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1")
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`

var (
	createLua = redis.NewScript(createScript)
	touchLua  = redis.NewScript(touchScript)
	revokeLua = redis.NewScript(revokeScript)
)

// SessionRepo is the Redis implementation of the session store.
type SessionRepo struct {
	client redis.UniversalClient
}

func NewSessionRepo(client redis.UniversalClient) *SessionRepo {
	return &SessionRepo{client: client}
}

type sessionHash struct {
	TenantID         string `redis:"tenant_id"`
	SessionID        string `redis:"session_id"`
	SubjectID        string `redis:"subject_id"`
	IssuedAt         int64  `redis:"issued_at"`
	LastAccessAt     int64  `redis:"last_access_at"`
	ExpiresAt        int64  `redis:"expires_at"`
	RefreshExpiresAt int64  `redis:"refresh_expires_at"`
	Revoked          bool   `redis:"revoked"`
}

func (h sessionHash) record() *domain.SessionRecord {
	return &domain.SessionRecord{
		TenantID:         h.TenantID,
		SessionID:        h.SessionID,
		SubjectID:        h.SubjectID,
		IssuedAt:         time.Unix(h.IssuedAt, 0),
		LastAccessAt:     time.Unix(h.LastAccessAt, 0),
		ExpiresAt:        time.Unix(h.ExpiresAt, 0),
		RefreshExpiresAt: time.Unix(h.RefreshExpiresAt, 0),
		Revoked:          h.Revoked,
	}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.SessionRecord) error {
	score := ""
	if !s.Revoked {
		score = strconv.FormatInt(s.ExpiresAt.Unix(), 10)
	}
	keepUntil := s.RefreshExpiresAt
	if keepUntil.Before(s.ExpiresAt) {
		keepUntil = s.ExpiresAt
	}
	revoked := "0"
	if s.Revoked {
		revoked = "1"
	}
	// ARGV[4..] are field/value pairs; session_id must stay the 2nd pair so the
	// script can read it at ARGV[7].
	args := []interface{}{
		expiryMember(s.TenantID, s.SessionID),
		score,
		keepUntil.Add(retention).Unix(),
		"tenant_id", s.TenantID,
		"session_id", s.SessionID,
		"subject_id", s.SubjectID,
		"issued_at", s.IssuedAt.Unix(),
		"last_access_at", s.LastAccessAt.Unix(),
		"expires_at", s.ExpiresAt.Unix(),
		"refresh_expires_at", s.RefreshExpiresAt.Unix(),
		"revoked", revoked,
	}
	keys := []string{sessionKey(s.TenantID, s.SessionID), expiryKey, subjectKey(s.TenantID, s.SubjectID)}
	n, err := createLua.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return fmt.Errorf("session already exists: %w", domain.ErrConflict)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, tenantID, sessionID string) (*domain.SessionRecord, error) {
	res := r.client.HGetAll(ctx, sessionKey(tenantID, sessionID))
	if err := res.Err(); err != nil {
		return nil, mapError(err)
	}
	if len(res.Val()) == 0 {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	var h sessionHash
	if err := res.Scan(&h); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return h.record(), nil
}

// Touch records an access at now and sets the expiry to expiresAt. It applies
// only while the session is neither revoked nor expired; otherwise ErrConflict.
func (r *SessionRepo) Touch(ctx context.Context, tenantID, sessionID string, now, expiresAt time.Time) error {
	keys := []string{sessionKey(tenantID, sessionID), expiryKey}
	n, err := touchLua.Run(ctx, r.client, keys, now.Unix(), expiresAt.Unix(), expiryMember(tenantID, sessionID)).Int()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return fmt.Errorf("session not active: %w", domain.ErrConflict)
	}
	return nil
}

// Revoke marks the session revoked and drops it from the expiry index.
// Revoking an already revoked session succeeds; a missing one is ErrNotFound.
func (r *SessionRepo) Revoke(ctx context.Context, tenantID, sessionID string) error {
	keys := []string{sessionKey(tenantID, sessionID), expiryKey}
	n, err := revokeLua.Run(ctx, r.client, keys, expiryMember(tenantID, sessionID)).Int()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return nil
}

type expiryCursor struct {
	Score  float64 `json:"s"`
	Member string  `json:"m"`
}

// ListByExpiry returns up to limit non-revoked sessions whose expiry is before
// the given time, across all tenants. The cursor is positional on (expiry,
// member) so revocations between pages never cause skips.
func (r *SessionRepo) ListByExpiry(ctx context.Context, before time.Time, cursor string, limit int32) ([]domain.SessionRecord, string, error) {
	if limit <= 0 {
		limit = 100
	}
	var after *expiryCursor
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", domain.ErrValidation)
		}
		after = &c
	}

	lo := "-inf"
	if after != nil {
		lo = strconv.FormatFloat(after.Score, 'f', -1, 64)
	}
	var picked []redis.Z
	var offset int64
	for int32(len(picked)) < limit {
		batch, err := r.client.ZRangeByScoreWithScores(ctx, expiryKey, &redis.ZRangeBy{
			Min:    lo,
			Max:    "(" + strconv.FormatInt(before.Unix(), 10),
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, "", mapError(err)
		}
		offset += int64(len(batch))
		for _, z := range batch {
			member, _ := z.Member.(string)
			if after != nil && z.Score == after.Score && member <= after.Member {
				continue
			}
			picked = append(picked, z)
		}
		if int64(len(batch)) < int64(limit) {
			break
		}
	}
	if int32(len(picked)) > limit {
		picked = picked[:limit]
	}

	sessions, err := r.load(ctx, picked)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if int32(len(picked)) == limit {
		last := picked[len(picked)-1]
		next, err = encodeCursor(expiryCursor{Score: last.Score, Member: last.Member.(string)})
		if err != nil {
			return nil, "", err
		}
	}
	return sessions, next, nil
}

// load reads the hashes behind expiry index members. Members whose hash is gone
// or already revoked are pruned from the index.
func (r *SessionRepo) load(ctx context.Context, members []redis.Z) ([]domain.SessionRecord, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, z := range members {
		tenantID, sessionID, _ := strings.Cut(z.Member.(string), "|")
		cmds[i] = pipe.HGetAll(ctx, sessionKey(tenantID, sessionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapError(err)
	}
	var out []domain.SessionRecord
	var stale []interface{}
	for i, cmd := range cmds {
		var h sessionHash
		if len(cmd.Val()) == 0 || cmd.Scan(&h) != nil || h.Revoked {
			stale = append(stale, members[i].Member)
			continue
		}
		out = append(out, *h.record())
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, expiryKey, stale...).Err(); err != nil {
			return nil, mapError(err)
		}
	}
	return out, nil
}

// ListActiveBySubject returns the subject's non-revoked sessions, most recently
// used first.
func (r *SessionRepo) ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]domain.SessionRecord, error) {
	ids, err := r.client.SMembers(ctx, subjectKey(tenantID, subjectID)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	var out []domain.SessionRecord
	for _, sid := range ids {
		s, err := r.Get(ctx, tenantID, sid)
		if errors.Is(err, domain.ErrNotFound) {
			_ = r.client.SRem(ctx, subjectKey(tenantID, subjectID), sid).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !s.Revoked {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessAt.After(out[j].LastAccessAt) })
	return out, nil
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("session store timeout: %w", domain.ErrRetryable)
	}
	return fmt.Errorf("session store: %v: %w", err, domain.ErrRetryable)
}

func encodeCursor(c expiryCursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(cursor string) (expiryCursor, error) {
	var c expiryCursor
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.Member == "" {
		return c, fmt.Errorf("incomplete cursor")
	}
	return c, nil
}
