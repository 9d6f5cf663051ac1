package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/pkg/password"
	"github.com/stretchr/testify/mock"
)

// memCreds is an in-memory credential store with the same conditional-write
// semantics as the DynamoDB repo.
type memCreds struct {
	mu     sync.Mutex
	now    func() time.Time
	users  map[string]*domain.UserRecord       // tenant#subject
	emails map[string]string                   // tenant#email -> subject
	codes  map[string]*domain.VerificationCode // tenant#subject#purpose
}

func newMemCreds(now func() time.Time) *memCreds {
	return &memCreds{
		now:    now,
		users:  map[string]*domain.UserRecord{},
		emails: map[string]string{},
		codes:  map[string]*domain.VerificationCode{},
	}
}

func k(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "#" + p
	}
	return out
}

func (m *memCreds) Create(_ context.Context, u *domain.UserRecord, code *domain.VerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[k(u.TenantID, u.Email)]; ok {
		return fmt.Errorf("email already registered: %w", domain.ErrConflict)
	}
	if _, ok := m.users[k(u.TenantID, u.SubjectID)]; ok {
		return fmt.Errorf("subject exists: %w", domain.ErrConflict)
	}
	cp := *u
	m.users[k(u.TenantID, u.SubjectID)] = &cp
	m.emails[k(u.TenantID, u.Email)] = u.SubjectID
	c := *code
	m.codes[k(code.TenantID, code.SubjectID, string(code.Purpose))] = &c
	return nil
}

func (m *memCreds) GetByEmail(ctx context.Context, tenantID, email string) (*domain.UserRecord, error) {
	m.mu.Lock()
	sub, ok := m.emails[k(tenantID, email)]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	return m.GetBySubject(ctx, tenantID, sub)
}

func (m *memCreds) GetBySubject(_ context.Context, tenantID, subjectID string) (*domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[k(tenantID, subjectID)]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memCreds) UpdateCredential(_ context.Context, tenantID, subjectID string, cred password.Hashed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[k(tenantID, subjectID)]
	if !ok {
		return fmt.Errorf("user missing: %w", domain.ErrConflict)
	}
	u.PasswordHash, u.Salt, u.KDFParams = cred.Hash, cred.Salt, cred.Params
	return nil
}

func (m *memCreds) PutCode(_ context.Context, code *domain.VerificationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *code
	m.codes[k(code.TenantID, code.SubjectID, string(code.Purpose))] = &c
	return nil
}

func (m *memCreds) GetCode(_ context.Context, tenantID, subjectID string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[k(tenantID, subjectID, string(purpose))]
	if !ok {
		return nil, fmt.Errorf("code not found: %w", domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// consume must be called with mu held.
func (m *memCreds) consume(tenantID, subjectID string, purpose domain.CodePurpose, code string) (*domain.VerificationCode, error) {
	c, ok := m.codes[k(tenantID, subjectID, string(purpose))]
	if !ok || c.Consumed || c.Code != code || !m.now().Before(c.ExpiresAt) {
		return nil, fmt.Errorf("code already used: %w", domain.ErrConflict)
	}
	return c, nil
}

func (m *memCreds) ConfirmSignup(_ context.Context, tenantID, subjectID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.consume(tenantID, subjectID, domain.PurposeSignupConfirm, code)
	if err != nil {
		return err
	}
	u := m.users[k(tenantID, subjectID)]
	if u == nil || u.Status != domain.StatusUnconfirmed {
		return fmt.Errorf("code already used: %w", domain.ErrConflict)
	}
	c.Consumed = true
	u.Status = domain.StatusConfirmed
	return nil
}

func (m *memCreds) ResetPassword(_ context.Context, tenantID, subjectID, code string, cred password.Hashed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.consume(tenantID, subjectID, domain.PurposePasswordReset, code)
	if err != nil {
		return err
	}
	u := m.users[k(tenantID, subjectID)]
	c.Consumed = true
	u.PasswordHash, u.Salt, u.KDFParams = cred.Hash, cred.Salt, cred.Params
	return nil
}

func (m *memCreds) setStatus(tenantID, subjectID string, st domain.UserStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[k(tenantID, subjectID)].Status = st
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionRecord
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]*domain.SessionRecord{}}
}

func (m *memSessions) Create(_ context.Context, s *domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[k(s.TenantID, s.SessionID)]; ok {
		return fmt.Errorf("session exists: %w", domain.ErrConflict)
	}
	cp := *s
	m.sessions[k(s.TenantID, s.SessionID)] = &cp
	return nil
}

func (m *memSessions) Get(_ context.Context, tenantID, sessionID string) (*domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[k(tenantID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Touch(_ context.Context, tenantID, sessionID string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[k(tenantID, sessionID)]
	if !ok || !s.Active(now) {
		return fmt.Errorf("session not active: %w", domain.ErrConflict)
	}
	s.LastAccessAt = now
	s.ExpiresAt = expiresAt
	return nil
}

func (m *memSessions) Revoke(_ context.Context, tenantID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[k(tenantID, sessionID)]
	if !ok {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	s.Revoked = true
	return nil
}

func (m *memSessions) ListActiveBySubject(_ context.Context, tenantID, subjectID string) ([]domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SessionRecord
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.SubjectID == subjectID && !s.Revoked {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessAt.After(out[j].LastAccessAt) })
	return out, nil
}

type recordedEvent struct {
	TenantID string
	Type     string
	Payload  map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, tenantID, eventType string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{TenantID: tenantID, Type: eventType, Payload: payload})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// lastCode returns the code of the most recent VerificationCodeSent event.
func (p *recordingPublisher) lastCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == domain.EventVerificationCodeSent {
			return p.events[i].Payload["code"].(string)
		}
	}
	return ""
}

type mockSigner struct{ mock.Mock }

func (m *mockSigner) Sign(tenantID, subjectID, sessionID string, expiresAt time.Time) (string, error) {
	args := m.Called(tenantID, subjectID, sessionID, expiresAt)
	return args.String(0), args.Error(1)
}

// blockingCreds never answers until the caller's deadline passes.
type blockingCreds struct{ *memCreds }

func (b blockingCreds) GetByEmail(ctx context.Context, _, _ string) (*domain.UserRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeClock is a settable clock shared by the service and the fakes.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
