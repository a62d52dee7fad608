// Package vault issues admin sessions: durable, credential-bearing sessions
// created only after the supplied downstream credentials have been validated
// live against Home Assistant. Everything else in the system reaches
// downstream credentials exclusively through an admin session reference.
package vault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/internal/util"
	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/storage"
)

// DefaultSessionTTL is how long an admin session remains valid. Long by
// design: an admin session represents a durable device pairing, not a login.
const DefaultSessionTTL = 365 * 24 * time.Hour

var (
	// ErrAuthentication indicates the admin username/password did not match
	// the configured administrator identity.
	ErrAuthentication = errors.New("invalid admin credentials")

	// ErrDownstreamUnreachable indicates the admin credentials were fine but
	// the supplied downstream host/token failed live validation. Kept
	// distinct from ErrAuthentication so the operator knows which half of
	// the login failed.
	ErrDownstreamUnreachable = errors.New("home assistant connection failed")
)

// Prober validates downstream credentials with a live call.
type Prober interface {
	Ping(ctx context.Context, host, token string) error
}

// Config holds the single configured administrator identity.
type Config struct {
	// Username of the administrator.
	Username string

	// PasswordHash is the bcrypt hash of the admin password. Preferred.
	PasswordHash string

	// Password is the plaintext admin password, compared in constant time.
	// Used only when PasswordHash is empty.
	Password string

	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration
}

// Service performs admin logins and verifies admin session tokens.
type Service struct {
	sessions storage.AdminSessionStore
	prober   Prober
	config   Config
	ttl      time.Duration
	logger   *slog.Logger
	auditor  *security.Auditor
	inst     *instrumentation.Instrumentation
	persist  func()
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAuditor enables audit logging of login attempts.
func WithAuditor(a *security.Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithInstrumentation enables login metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Service) { s.inst = inst }
}

// WithPersist sets the hook invoked after durable mutations (eager snapshot
// trigger). Must not block.
func WithPersist(persist func()) Option {
	return func(s *Service) {
		if persist != nil {
			s.persist = persist
		}
	}
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a vault service.
func New(sessions storage.AdminSessionStore, prober Prober, config Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("admin session store is required")
	}
	if prober == nil {
		return nil, errors.New("downstream prober is required")
	}
	if config.Username == "" {
		return nil, errors.New("admin username is required")
	}
	if config.Password == "" && config.PasswordHash == "" {
		return nil, errors.New("admin password or password hash is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ttl := config.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	s := &Service{
		sessions: sessions,
		prober:   prober,
		config:   config,
		ttl:      ttl,
		logger:   logger,
		persist:  func() {},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login validates the admin identity, probes the downstream service with the
// supplied credentials, and on success creates and persists an AdminSession.
// The new session becomes the most-recent linking candidate for RPC sessions.
func (s *Service) Login(ctx context.Context, username, password, downstreamHost, downstreamSecret string, remoteIP string) (*storage.AdminSession, error) {
	if s.inst != nil {
		s.inst.Metrics().LoginAttempts.Add(ctx, 1)
	}

	if !s.verifyIdentity(username, password) {
		s.logger.Warn("Admin login rejected: bad credentials", "username", username, "ip", remoteIP)
		if s.auditor != nil {
			s.auditor.LogLoginFailure(remoteIP, "bad_credentials")
		}
		return nil, ErrAuthentication
	}

	if s.inst != nil {
		s.inst.Metrics().DownstreamProbes.Add(ctx, 1)
	}
	if err := s.prober.Ping(ctx, downstreamHost, downstreamSecret); err != nil {
		s.logger.Warn("Admin login rejected: downstream validation failed",
			"host", downstreamHost, "error", err)
		if s.inst != nil {
			s.inst.Metrics().DownstreamFailures.Add(ctx, 1)
		}
		if s.auditor != nil {
			s.auditor.LogLoginFailure(remoteIP, "downstream_unreachable")
		}
		return nil, fmt.Errorf("%w: %v", ErrDownstreamUnreachable, err)
	}

	now := s.clock()
	session := &storage.AdminSession{
		Token:            uuid.NewString(),
		Authenticated:    true,
		DownstreamHost:   downstreamHost,
		DownstreamSecret: downstreamSecret,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.sessions.SaveAdminSession(ctx, session); err != nil {
		return nil, fmt.Errorf("saving admin session: %w", err)
	}
	s.persist()

	s.logger.Info("Admin session created",
		"session", util.SafeTruncate(session.Token, 8),
		"host", downstreamHost,
		"expires_at", session.ExpiresAt)
	if s.auditor != nil {
		s.auditor.LogLoginSuccess(session.Token, remoteIP)
	}
	return session, nil
}

// Verify resolves an admin session token, treating expired sessions as
// missing.
func (s *Service) Verify(ctx context.Context, token string) (*storage.AdminSession, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}
	return s.sessions.GetAdminSession(ctx, token)
}

// verifyIdentity compares the supplied identity against the configured one.
// bcrypt when a hash is configured, constant-time comparison otherwise.
func (s *Service) verifyIdentity(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.Username)) == 1

	var passOK bool
	if s.config.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(s.config.PasswordHash), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(s.config.Password)) == 1
	}

	return userOK && passOK
}
