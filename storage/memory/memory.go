// Package memory provides an in-memory implementation of all storage
// interfaces. It is the design point for this server: single-process state
// behind coarse locks, with on-disk snapshots handled by storage/snapshot.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/bcrypt"

	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/storage"
)

// Store is an in-memory implementation of all storage interfaces. A single
// coarse RWMutex guards every map; ConsumeAuthorizationCode does its
// check-mark-delete inside one critical section.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	adminSessions map[string]*storage.AdminSession
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	rpcSessions   map[string]*storage.RPCSession

	inst  *instrumentation.Instrumentation
	clock func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the cleanup loop.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCleanupInterval overrides how often expired entries are reaped.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithInstrumentation enables metric recording for store operations.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Store) { s.inst = inst }
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an empty store and starts a background goroutine that
// periodically removes expired entries. Call Stop to halt it.
func New(opts ...Option) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		adminSessions:   make(map[string]*storage.AdminSession),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		rpcSessions:     make(map[string]*storage.RPCSession),
		clock:           time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()
	return s
}

// Stop halts the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) record(ctx context.Context, op string, start time.Time) {
	if s.inst == nil {
		return
	}
	m := s.inst.Metrics()
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// ==================== ClientStore ====================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	defer s.record(ctx, "save_client", s.clock())

	if client == nil || client.ClientID == "" {
		return storage.ErrNotFound
	}

	c := *client
	s.mu.Lock()
	s.clients[c.ClientID] = &c
	s.mu.Unlock()
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	defer s.record(ctx, "get_client", s.clock())

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *client
	return &c, nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	defer s.record(ctx, "validate_client_secret", s.clock())

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidSecret
	}
	return nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	defer s.record(ctx, "delete_client", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	defer s.record(ctx, "list_clients", s.clock())

	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	return clients, nil
}

// ==================== AdminSessionStore ====================

func (s *Store) SaveAdminSession(ctx context.Context, session *storage.AdminSession) error {
	defer s.record(ctx, "save_admin_session", s.clock())

	if session == nil || session.Token == "" {
		return storage.ErrNotFound
	}

	sess := *session
	s.mu.Lock()
	s.adminSessions[sess.Token] = &sess
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAdminSession(ctx context.Context, token string) (*storage.AdminSession, error) {
	defer s.record(ctx, "get_admin_session", s.clock())

	now := s.clock()
	s.mu.RLock()
	session, ok := s.adminSessions[token]
	s.mu.RUnlock()
	if !ok || session.Expired(now) {
		return nil, storage.ErrNotFound
	}
	sess := *session
	return &sess, nil
}

func (s *Store) DeleteAdminSession(ctx context.Context, token string) error {
	defer s.record(ctx, "delete_admin_session", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.adminSessions[token]; !ok {
		return storage.ErrNotFound
	}
	delete(s.adminSessions, token)
	return nil
}

func (s *Store) LatestAdminSession(ctx context.Context) (*storage.AdminSession, error) {
	defer s.record(ctx, "latest_admin_session", s.clock())

	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.AdminSession
	for _, session := range s.adminSessions {
		if !session.Linkable(now) {
			continue
		}
		if latest == nil || session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	sess := *latest
	return &sess, nil
}

func (s *Store) ListAdminSessions(ctx context.Context) ([]*storage.AdminSession, error) {
	defer s.record(ctx, "list_admin_sessions", s.clock())

	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*storage.AdminSession, 0, len(s.adminSessions))
	for _, session := range s.adminSessions {
		if session.Expired(now) {
			continue
		}
		sess := *session
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// ==================== FlowStore ====================

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	defer s.record(ctx, "save_authorization_code", s.clock())

	if code == nil || code.Code == "" {
		return storage.ErrNotFound
	}

	c := *code
	s.mu.Lock()
	s.authCodes[c.Code] = &c
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	defer s.record(ctx, "get_authorization_code", s.clock())

	s.mu.RLock()
	authCode, ok := s.authCodes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *authCode
	return &c, nil
}

// ConsumeAuthorizationCode checks, marks, and deletes under one lock so two
// concurrent exchanges of the same code can never both succeed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	defer s.record(ctx, "consume_authorization_code", s.clock())

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if authCode.Consumed {
		return nil, storage.ErrCodeConsumed
	}
	if now.After(authCode.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, storage.ErrNotFound
	}

	authCode.Consumed = true
	c := *authCode
	delete(s.authCodes, code)
	return &c, nil
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	defer s.record(ctx, "delete_authorization_code", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authCodes[code]; !ok {
		return storage.ErrNotFound
	}
	delete(s.authCodes, code)
	return nil
}

func (s *Store) ListAuthorizationCodes(ctx context.Context) ([]*storage.AuthorizationCode, error) {
	defer s.record(ctx, "list_authorization_codes", s.clock())

	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes := make([]*storage.AuthorizationCode, 0, len(s.authCodes))
	for _, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			continue
		}
		c := *authCode
		codes = append(codes, &c)
	}
	return codes, nil
}

// ==================== TokenStore ====================

func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	defer s.record(ctx, "save_access_token", s.clock())

	if token == nil || token.Token == "" {
		return storage.ErrNotFound
	}

	t := *token
	s.mu.Lock()
	s.accessTokens[t.Token] = &t
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	defer s.record(ctx, "get_access_token", s.clock())

	now := s.clock()
	s.mu.RLock()
	accessToken, ok := s.accessTokens[token]
	s.mu.RUnlock()
	if !ok || now.After(accessToken.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	t := *accessToken
	return &t, nil
}

func (s *Store) TouchAccessToken(ctx context.Context, token string, usedAt time.Time) error {
	defer s.record(ctx, "touch_access_token", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	accessToken, ok := s.accessTokens[token]
	if !ok {
		return storage.ErrNotFound
	}
	t := *accessToken
	t.LastUsedAt = usedAt
	s.accessTokens[token] = &t
	return nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	defer s.record(ctx, "delete_access_token", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accessTokens[token]; !ok {
		return storage.ErrNotFound
	}
	delete(s.accessTokens, token)
	return nil
}

func (s *Store) ListAccessTokens(ctx context.Context) ([]*storage.AccessToken, error) {
	defer s.record(ctx, "list_access_tokens", s.clock())

	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]*storage.AccessToken, 0, len(s.accessTokens))
	for _, token := range s.accessTokens {
		if now.After(token.ExpiresAt) {
			continue
		}
		t := *token
		tokens = append(tokens, &t)
	}
	return tokens, nil
}

// ==================== RPCSessionStore ====================

func (s *Store) SaveRPCSession(ctx context.Context, session *storage.RPCSession) error {
	defer s.record(ctx, "save_rpc_session", s.clock())

	if session == nil || session.ID == "" {
		return storage.ErrNotFound
	}

	sess := *session
	s.mu.Lock()
	s.rpcSessions[sess.ID] = &sess
	s.mu.Unlock()
	return nil
}

func (s *Store) GetRPCSession(ctx context.Context, id string) (*storage.RPCSession, error) {
	defer s.record(ctx, "get_rpc_session", s.clock())

	s.mu.RLock()
	session, ok := s.rpcSessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess := *session
	return &sess, nil
}

func (s *Store) DeleteRPCSession(ctx context.Context, id string) error {
	defer s.record(ctx, "delete_rpc_session", s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rpcSessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.rpcSessions, id)
	return nil
}

// ==================== SnapshotStore ====================

func (s *Store) DumpState(ctx context.Context) (*storage.State, error) {
	sessions, err := s.ListAdminSessions(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := s.ListAccessTokens(ctx)
	if err != nil {
		return nil, err
	}
	codes, err := s.ListAuthorizationCodes(ctx)
	if err != nil {
		return nil, err
	}
	return &storage.State{
		AdminSessions:      sessions,
		AccessTokens:       tokens,
		AuthorizationCodes: codes,
	}, nil
}

func (s *Store) RestoreState(ctx context.Context, state *storage.State) error {
	if state == nil {
		return nil
	}

	now := s.clock()
	restored := 0

	s.mu.Lock()
	for _, session := range state.AdminSessions {
		if session == nil || session.Token == "" || session.Expired(now) {
			continue
		}
		sess := *session
		s.adminSessions[sess.Token] = &sess
		restored++
	}
	for _, token := range state.AccessTokens {
		if token == nil || token.Token == "" || now.After(token.ExpiresAt) {
			continue
		}
		t := *token
		s.accessTokens[t.Token] = &t
		restored++
	}
	for _, code := range state.AuthorizationCodes {
		if code == nil || code.Code == "" || code.Consumed || now.After(code.ExpiresAt) {
			continue
		}
		c := *code
		s.authCodes[c.Code] = &c
		restored++
	}
	s.mu.Unlock()

	s.logger.Info("Restored persisted state",
		"entries", restored,
		"admin_sessions", len(state.AdminSessions),
		"access_tokens", len(state.AccessTokens),
		"authorization_codes", len(state.AuthorizationCodes))
	return nil
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired codes, tokens, and admin sessions, plus RPC
// sessions whose linked admin session is gone. Expiring the admin session is
// what invalidates its RPC sessions; removing them here only reclaims memory.
func (s *Store) cleanup() {
	now := s.clock()
	removed := 0

	s.mu.Lock()
	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for value, token := range s.accessTokens {
		if now.After(token.ExpiresAt) {
			delete(s.accessTokens, value)
			removed++
		}
	}
	for token, session := range s.adminSessions {
		if session.Expired(now) {
			delete(s.adminSessions, token)
			removed++
		}
	}
	for id, session := range s.rpcSessions {
		if session.AdminSessionRef == "" {
			continue
		}
		if _, ok := s.adminSessions[session.AdminSessionRef]; !ok {
			delete(s.rpcSessions, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired entries", "removed", removed)
	}
}
