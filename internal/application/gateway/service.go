package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/infrastructure/metrics"
	"github.com/go-auth-gateway/internal/pkg/id"
	"github.com/go-auth-gateway/internal/pkg/password"
	pkgtoken "github.com/go-auth-gateway/internal/pkg/token"
	"github.com/go-auth-gateway/internal/pkg/validate"
)

type SignupResult struct {
	SubjectID string            `json:"subjectId"`
	Status    domain.UserStatus `json:"status"`
}

type ConfirmResult struct {
	Status domain.UserStatus `json:"status"`
}

type SigninResult struct {
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessToken string    `json:"accessToken,omitempty"`
}

type SessionInfo struct {
	SubjectID    string            `json:"subjectId"`
	Attributes   map[string]string `json:"attributes"`
	LastAccessAt time.Time         `json:"lastAccessAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type Service interface {
	Signup(ctx context.Context, tenantID string, req domain.SignupRequest) (*SignupResult, error)
	ConfirmSignup(ctx context.Context, tenantID string, req domain.ConfirmSignupRequest) (*ConfirmResult, error)
	SendCode(ctx context.Context, tenantID string, req domain.SendCodeRequest) error
	ResetPassword(ctx context.Context, tenantID string, req domain.ResetPasswordRequest) error
	Signin(ctx context.Context, tenantID string, req domain.SigninRequest) (*SigninResult, error)
	Signout(ctx context.Context, tenantID, sessionID string) error
	Session(ctx context.Context, tenantID, sessionID string) (*SessionInfo, error)
}

type credentialStore interface {
	Create(ctx context.Context, u *domain.UserRecord, code *domain.VerificationCode) error
	GetByEmail(ctx context.Context, tenantID, email string) (*domain.UserRecord, error)
	GetBySubject(ctx context.Context, tenantID, subjectID string) (*domain.UserRecord, error)
	UpdateCredential(ctx context.Context, tenantID, subjectID string, cred password.Hashed) error
	PutCode(ctx context.Context, code *domain.VerificationCode) error
	GetCode(ctx context.Context, tenantID, subjectID string, purpose domain.CodePurpose) (*domain.VerificationCode, error)
	ConfirmSignup(ctx context.Context, tenantID, subjectID, code string) error
	ResetPassword(ctx context.Context, tenantID, subjectID, code string, cred password.Hashed) error
}

type sessionStore interface {
	Create(ctx context.Context, s *domain.SessionRecord) error
	Get(ctx context.Context, tenantID, sessionID string) (*domain.SessionRecord, error)
	Touch(ctx context.Context, tenantID, sessionID string, now, expiresAt time.Time) error
	Revoke(ctx context.Context, tenantID, sessionID string) error
	ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]domain.SessionRecord, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload map[string]any)
}

type tokenSigner interface {
	Sign(tenantID, subjectID, sessionID string, expiresAt time.Time) (string, error)
}

type passwordHasher interface {
	Hash(plain string) (password.Hashed, error)
	Verify(plain string, stored password.Hashed) (bool, error)
	VerifyDummy(plain string)
	NeedsRehash(stored password.Hashed) bool
}

// Policy holds the session and code lifetimes.
type Policy struct {
	AccessTTL     time.Duration
	RefreshWindow time.Duration
	CodeTTL       time.Duration
	StoreTimeout  time.Duration
	SingleSession bool
	Sliding       bool
}

type ServiceDeps struct {
	Credentials credentialStore
	Sessions    sessionStore
	Events      eventPublisher
	Hasher      passwordHasher
	Tokens      tokenSigner // optional
	Policy      Policy
}

type service struct {
	creds    credentialStore
	sessions sessionStore
	events   eventPublisher
	hasher   passwordHasher
	tokens   tokenSigner
	policy   Policy
	now      func() time.Time
	newCode  func() (string, error)
}

func NewService(deps ServiceDeps) Service {
	p := deps.Policy
	if p.AccessTTL <= 0 {
		p.AccessTTL = 5 * time.Minute
	}
	if p.RefreshWindow < p.AccessTTL {
		p.RefreshWindow = p.AccessTTL
	}
	if p.CodeTTL <= 0 {
		p.CodeTTL = 15 * time.Minute
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = 2 * time.Second
	}
	return &service{
		creds:    deps.Credentials,
		sessions: deps.Sessions,
		events:   deps.Events,
		hasher:   deps.Hasher,
		tokens:   deps.Tokens,
		policy:   p,
		now:      time.Now,
		newCode:  pkgtoken.NewCode,
	}
}

// errInvalidCredentials is shared by both signin failure paths so unknown
// email and wrong password are indistinguishable.
var errInvalidCredentials = fmt.Errorf("invalid email or password: %w", domain.ErrUnauthorized)

func (s *service) Signup(ctx context.Context, tenantID string, req domain.SignupRequest) (res *SignupResult, err error) {
	defer s.observe("signup", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return nil, err
	}
	req.Email = validate.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	existing, err := call(ctx, s, func(ctx context.Context) (*domain.UserRecord, error) {
		return s.creds.GetByEmail(ctx, tenantID, req.Email)
	})
	switch {
	case err == nil:
		if existing.Status != domain.StatusUnconfirmed {
			return nil, fmt.Errorf("email already registered: %w", domain.ErrConflict)
		}
		// Unconfirmed re-signup only re-issues the code; the stored
		// credential stays unchanged.
		if err := s.issueCode(ctx, existing, domain.PurposeSignupConfirm); err != nil {
			return nil, err
		}
		return &SignupResult{SubjectID: existing.SubjectID, Status: existing.Status}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	cred, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %v: %w", err, domain.ErrInternal)
	}
	now := s.now().UTC().Truncate(time.Second)
	u := &domain.UserRecord{
		TenantID:     tenantID,
		SubjectID:    id.New(),
		Email:        req.Email,
		PasswordHash: cred.Hash,
		Salt:         cred.Salt,
		KDFParams:    cred.Params,
		Attributes:   req.Attributes,
		Status:       domain.StatusUnconfirmed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	code, err := s.buildCode(u, domain.PurposeSignupConfirm, now)
	if err != nil {
		return nil, err
	}
	if err := s.exec(ctx, func(ctx context.Context) error { return s.creds.Create(ctx, u, code) }); err != nil {
		return nil, err
	}

	slog.Info("user signed up", "tenant_id", tenantID, "subject_id", u.SubjectID)
	s.events.Publish(ctx, tenantID, domain.EventUserSignedUp, map[string]any{
		"subject_id": u.SubjectID,
		"email":      u.Email,
		"attributes": u.Attributes,
	})
	s.publishCode(ctx, u, code)
	return &SignupResult{SubjectID: u.SubjectID, Status: u.Status}, nil
}

func (s *service) ConfirmSignup(ctx context.Context, tenantID string, req domain.ConfirmSignupRequest) (res *ConfirmResult, err error) {
	defer s.observe("confirm_signup", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return nil, err
	}
	req.Email = validate.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	u, err := s.userForCode(ctx, tenantID, req.Email)
	if err != nil {
		return nil, err
	}
	if err := s.checkCode(ctx, u, domain.PurposeSignupConfirm, req.Code); err != nil {
		return nil, err
	}
	if err := s.exec(ctx, func(ctx context.Context) error {
		return s.creds.ConfirmSignup(ctx, tenantID, u.SubjectID, req.Code)
	}); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, tenantID, domain.EventUserConfirmed, map[string]any{"subject_id": u.SubjectID})
	return &ConfirmResult{Status: domain.StatusConfirmed}, nil
}

func (s *service) SendCode(ctx context.Context, tenantID string, req domain.SendCodeRequest) (err error) {
	defer s.observe("send_code", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return err
	}
	req.Email = validate.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return err
	}

	u, err := call(ctx, s, func(ctx context.Context) (*domain.UserRecord, error) {
		return s.creds.GetByEmail(ctx, tenantID, req.Email)
	})
	if err != nil {
		return err
	}
	switch req.Purpose {
	case domain.PurposeSignupConfirm:
		if u.Status != domain.StatusUnconfirmed {
			return fmt.Errorf("user already confirmed: %w", domain.ErrConflict)
		}
	case domain.PurposePasswordReset:
		if u.Status != domain.StatusConfirmed {
			return fmt.Errorf("password reset requires a confirmed user: %w", domain.ErrForbidden)
		}
	}
	return s.issueCode(ctx, u, req.Purpose)
}

func (s *service) ResetPassword(ctx context.Context, tenantID string, req domain.ResetPasswordRequest) (err error) {
	defer s.observe("reset_password", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return err
	}
	req.Email = validate.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return err
	}

	u, err := s.userForCode(ctx, tenantID, req.Email)
	if err != nil {
		return err
	}
	if err := s.checkCode(ctx, u, domain.PurposePasswordReset, req.Code); err != nil {
		return err
	}
	cred, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %v: %w", err, domain.ErrInternal)
	}
	if err := s.exec(ctx, func(ctx context.Context) error {
		return s.creds.ResetPassword(ctx, tenantID, u.SubjectID, req.Code, cred)
	}); err != nil {
		return err
	}

	s.revokeAll(ctx, tenantID, u.SubjectID, "")
	s.events.Publish(ctx, tenantID, domain.EventPasswordReset, map[string]any{"subject_id": u.SubjectID})
	return nil
}

func (s *service) Signin(ctx context.Context, tenantID string, req domain.SigninRequest) (res *SigninResult, err error) {
	defer s.observe("signin", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return nil, err
	}
	req.Email = validate.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	u, err := call(ctx, s, func(ctx context.Context) (*domain.UserRecord, error) {
		return s.creds.GetByEmail(ctx, tenantID, req.Email)
	})
	if errors.Is(err, domain.ErrNotFound) {
		s.hasher.VerifyDummy(req.Password)
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	stored := password.Hashed{Hash: u.PasswordHash, Salt: u.Salt, Params: u.KDFParams}
	ok, err := s.hasher.Verify(req.Password, stored)
	if err != nil {
		slog.Error("stored credential unreadable", "tenant_id", tenantID, "subject_id", u.SubjectID, "err", err)
		return nil, errInvalidCredentials
	}
	if !ok {
		return nil, errInvalidCredentials
	}
	if u.Status != domain.StatusConfirmed {
		return nil, fmt.Errorf("user is %s: %w", u.Status, domain.ErrForbidden)
	}
	if s.hasher.NeedsRehash(stored) {
		s.rehash(ctx, u, req.Password)
	}

	now := s.now().UTC().Truncate(time.Second)
	sess := &domain.SessionRecord{
		TenantID:         tenantID,
		SessionID:        id.New(),
		SubjectID:        u.SubjectID,
		IssuedAt:         now,
		LastAccessAt:     now,
		ExpiresAt:        now.Add(s.policy.AccessTTL),
		RefreshExpiresAt: now.Add(s.policy.RefreshWindow),
	}
	if err := s.exec(ctx, func(ctx context.Context) error { return s.sessions.Create(ctx, sess) }); err != nil {
		return nil, err
	}
	if s.policy.SingleSession {
		s.revokeAll(ctx, tenantID, u.SubjectID, sess.SessionID)
	}

	res = &SigninResult{SessionID: sess.SessionID, ExpiresAt: sess.ExpiresAt}
	if s.tokens != nil {
		tok, err := s.tokens.Sign(tenantID, u.SubjectID, sess.SessionID, sess.RefreshExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("sign token: %v: %w", err, domain.ErrInternal)
		}
		res.AccessToken = tok
	}

	s.events.Publish(ctx, tenantID, domain.EventUserSignedIn, map[string]any{
		"subject_id": u.SubjectID,
		"session_id": sess.SessionID,
	})
	return res, nil
}

func (s *service) Signout(ctx context.Context, tenantID, sessionID string) (err error) {
	defer s.observe("signout", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("session id required: %w", domain.ErrValidation)
	}
	sess, err := call(ctx, s, func(ctx context.Context) (*domain.SessionRecord, error) {
		return s.sessions.Get(ctx, tenantID, sessionID)
	})
	if err != nil {
		return err
	}
	if sess.Revoked {
		return nil
	}
	if err := s.exec(ctx, func(ctx context.Context) error { return s.sessions.Revoke(ctx, tenantID, sessionID) }); err != nil {
		return err
	}
	s.events.Publish(ctx, tenantID, domain.EventUserSignedOut, map[string]any{
		"subject_id": sess.SubjectID,
		"session_id": sessionID,
	})
	return nil
}

func (s *service) Session(ctx context.Context, tenantID, sessionID string) (info *SessionInfo, err error) {
	defer s.observe("session", time.Now(), &err)
	if err := validate.TenantID(tenantID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id required: %w", domain.ErrUnauthorized)
	}
	sess, err := call(ctx, s, func(ctx context.Context) (*domain.SessionRecord, error) {
		return s.sessions.Get(ctx, tenantID, sessionID)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("session not found: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	if !sess.Active(now) {
		return nil, fmt.Errorf("session expired or revoked: %w", domain.ErrUnauthorized)
	}

	expiresAt := sess.ExpiresAt
	if s.policy.Sliding {
		expiresAt = now.Add(s.policy.AccessTTL)
		if !sess.RefreshExpiresAt.IsZero() && expiresAt.After(sess.RefreshExpiresAt) {
			expiresAt = sess.RefreshExpiresAt
		}
		if expiresAt.Before(sess.ExpiresAt) {
			expiresAt = sess.ExpiresAt
		}
	}
	err = s.exec(ctx, func(ctx context.Context) error {
		return s.sessions.Touch(ctx, tenantID, sessionID, now, expiresAt)
	})
	if errors.Is(err, domain.ErrConflict) {
		// revoked or expired between the read and the touch
		return nil, fmt.Errorf("session no longer active: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}

	u, err := call(ctx, s, func(ctx context.Context) (*domain.UserRecord, error) {
		return s.creds.GetBySubject(ctx, tenantID, sess.SubjectID)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("session owner missing: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if u.Status == domain.StatusDisabled {
		return nil, fmt.Errorf("user is disabled: %w", domain.ErrForbidden)
	}

	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &SessionInfo{
		SubjectID:    sess.SubjectID,
		Attributes:   attrs,
		LastAccessAt: now,
		ExpiresAt:    expiresAt,
	}, nil
}

// userForCode resolves the code owner. An unknown email reads as "no matching
// code" rather than "no such user".
func (s *service) userForCode(ctx context.Context, tenantID, email string) (*domain.UserRecord, error) {
	u, err := call(ctx, s, func(ctx context.Context) (*domain.UserRecord, error) {
		return s.creds.GetByEmail(ctx, tenantID, email)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no matching code: %w", domain.ErrNotFound)
	}
	return u, err
}

// checkCode distinguishes missing, consumed or mismatched codes (ErrNotFound)
// from expired ones (ErrExpired). The store re-checks all of it atomically on
// consume.
func (s *service) checkCode(ctx context.Context, u *domain.UserRecord, purpose domain.CodePurpose, code string) error {
	vc, err := call(ctx, s, func(ctx context.Context) (*domain.VerificationCode, error) {
		return s.creds.GetCode(ctx, u.TenantID, u.SubjectID, purpose)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no matching code: %w", domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if vc.Consumed || subtle.ConstantTimeCompare([]byte(vc.Code), []byte(code)) != 1 {
		return fmt.Errorf("no matching code: %w", domain.ErrNotFound)
	}
	if !s.now().Before(vc.ExpiresAt) {
		return fmt.Errorf("code expired: %w", domain.ErrExpired)
	}
	return nil
}

func (s *service) buildCode(u *domain.UserRecord, purpose domain.CodePurpose, now time.Time) (*domain.VerificationCode, error) {
	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInternal)
	}
	return &domain.VerificationCode{
		TenantID:  u.TenantID,
		SubjectID: u.SubjectID,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: now.Add(s.policy.CodeTTL),
	}, nil
}

// issueCode replaces any earlier code of the same purpose and announces it.
func (s *service) issueCode(ctx context.Context, u *domain.UserRecord, purpose domain.CodePurpose) error {
	code, err := s.buildCode(u, purpose, s.now().UTC().Truncate(time.Second))
	if err != nil {
		return err
	}
	if err := s.exec(ctx, func(ctx context.Context) error { return s.creds.PutCode(ctx, code) }); err != nil {
		return err
	}
	s.publishCode(ctx, u, code)
	return nil
}

func (s *service) publishCode(ctx context.Context, u *domain.UserRecord, code *domain.VerificationCode) {
	s.events.Publish(ctx, u.TenantID, domain.EventVerificationCodeSent, map[string]any{
		"subject_id": u.SubjectID,
		"email":      u.Email,
		"purpose":    string(code.Purpose),
		"code":       code.Code,
		"expires_at": code.ExpiresAt,
	})
}

// revokeAll revokes every active session of the subject except keep. Failures
// are logged; the triggering operation has already committed.
func (s *service) revokeAll(ctx context.Context, tenantID, subjectID, keep string) {
	active, err := call(ctx, s, func(ctx context.Context) ([]domain.SessionRecord, error) {
		return s.sessions.ListActiveBySubject(ctx, tenantID, subjectID)
	})
	if err != nil {
		slog.Warn("list subject sessions", "tenant_id", tenantID, "subject_id", subjectID, "err", err)
		return
	}
	for _, sess := range active {
		if sess.SessionID == keep {
			continue
		}
		sid := sess.SessionID
		if err := s.exec(ctx, func(ctx context.Context) error { return s.sessions.Revoke(ctx, tenantID, sid) }); err != nil {
			slog.Warn("revoke session", "tenant_id", tenantID, "session_id", sid, "err", err)
		}
	}
}

func (s *service) rehash(ctx context.Context, u *domain.UserRecord, plain string) {
	cred, err := s.hasher.Hash(plain)
	if err == nil {
		err = s.exec(ctx, func(ctx context.Context) error {
			return s.creds.UpdateCredential(ctx, u.TenantID, u.SubjectID, cred)
		})
	}
	if err != nil {
		slog.Warn("credential rehash failed", "tenant_id", u.TenantID, "subject_id", u.SubjectID, "err", err)
	}
}

// exec runs a store call under the store timeout.
func (s *service) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := call(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// call runs a store call under the store timeout. A deadline the store did not
// classify itself becomes ErrRetryable.
func call[T any](ctx context.Context, s *service, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.StoreTimeout)
	defer cancel()
	v, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrRetryable) {
		return v, fmt.Errorf("store timeout: %w", domain.ErrRetryable)
	}
	return v, err
}

func (s *service) observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(op, Outcome(*err), time.Since(start))
}

// Outcome names the error class of err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrRetryable):
		return "retryable"
	default:
		return "internal"
	}
}
