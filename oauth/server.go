package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/internal/util"
	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/storage"
)

const (
	// DefaultAuthorizationCodeTTL is how long authorization codes are valid
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is how long access tokens are valid. Long-lived
	// relative to codes, short relative to the admin session they reference.
	DefaultAccessTokenTTL = 24 * time.Hour

	// DefaultScope is granted when a client requests no explicit scope
	DefaultScope = "homeassistant"

	tokenTypeBearer = "Bearer"

	clientIDPrefix = "client_"
)

// ServerConfig holds OAuth server configuration
type ServerConfig struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL overrides DefaultAuthorizationCodeTTL when positive
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL overrides DefaultAccessTokenTTL when positive
	AccessTokenTTL time.Duration

	// SupportedScopes lists the scopes granted to clients
	SupportedScopes []string

	// OwnerID is the resource owner identifier accepted by the
	// client_credentials grant when paired with ProvisioningKey.
	OwnerID string

	// ProvisioningKey is the resource owner's provisioning secret for the
	// client_credentials grant. Empty disables that credential shape.
	ProvisioningKey string

	// ServiceKey is the privileged service-wide key accepted as both
	// client_id and client_secret. Empty disables that credential shape.
	ServiceKey string
}

// Server implements the OAuth flow logic against the injected stores.
// HTTP concerns live in Handler.
type Server struct {
	clients       storage.ClientStore
	flows         storage.FlowStore
	tokens        storage.TokenStore
	adminSessions storage.AdminSessionStore
	signer        *TokenSigner
	config        *ServerConfig
	logger        *slog.Logger
	auditor       *security.Auditor
	inst          *instrumentation.Instrumentation
	persist       func()
	clock         func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuditor enables audit logging.
func WithAuditor(a *security.Auditor) ServerOption {
	return func(s *Server) { s.auditor = a }
}

// WithInstrumentation enables flow metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) ServerOption {
	return func(s *Server) { s.inst = inst }
}

// WithPersist sets the hook invoked after durable mutations. Must not block.
func WithPersist(persist func()) ServerOption {
	return func(s *Server) {
		if persist != nil {
			s.persist = persist
		}
	}
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer creates an OAuth server.
func NewServer(
	clients storage.ClientStore,
	flows storage.FlowStore,
	tokens storage.TokenStore,
	adminSessions storage.AdminSessionStore,
	signer *TokenSigner,
	config *ServerConfig,
	logger *slog.Logger,
	opts ...ServerOption,
) (*Server, error) {
	if clients == nil || flows == nil || tokens == nil || adminSessions == nil {
		return nil, errors.New("all stores are required")
	}
	if signer == nil {
		return nil, errors.New("token signer is required")
	}
	if config == nil || config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := *config
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = []string{DefaultScope}
	}

	s := &Server{
		clients:       clients,
		flows:         flows,
		tokens:        tokens,
		adminSessions: adminSessions,
		signer:        signer,
		config:        &cfg,
		logger:        logger,
		persist:       func() {},
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config exposes the effective configuration (TTLs after defaulting).
func (s *Server) Config() ServerConfig {
	return *s.config
}

// Metadata returns the RFC 8414 authorization server metadata document.
func (s *Server) Metadata() *AuthorizationServerMetadata {
	issuer := util.NormalizeURL(s.config.Issuer)
	return &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		ScopesSupported:                   s.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "client_credentials"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// ResourceMetadata returns the RFC 9728 protected resource metadata document.
func (s *Server) ResourceMetadata() *ProtectedResourceMetadata {
	issuer := util.NormalizeURL(s.config.Issuer)
	return &ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        s.config.SupportedScopes,
	}
}

// ==================== Client Registry ====================

// RegisterClient handles dynamic client registration. The generated secret
// is returned exactly once; only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, remoteIP string) (*ClientRegistrationResponse, error) {
	if req == nil || len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidClientMetadata("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if uri == "" {
			return nil, ErrInvalidClientMetadata("redirect_uris must not contain empty entries")
		}
	}

	clientID := clientIDPrefix + util.RandomToken(16)
	clientSecret := util.RandomToken(32)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, ErrServerError("hashing client secret failed")
	}

	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	now := s.clock()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        string(secretHash),
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scopes:                  []string{scope},
		CreatedAt:               now,
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("saving client failed")
	}
	s.persist()

	s.logger.Info("Client registered",
		"client_id", clientID,
		"client_name", req.ClientName,
		"redirect_uris", req.RedirectURIs)
	if s.auditor != nil {
		s.auditor.LogClientRegistered(clientID, remoteIP)
	}
	if s.inst != nil {
		s.inst.Metrics().ClientsRegistered.Add(ctx, 1)
	}

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   scope,
	}, nil
}

// EnsureClient resolves the client for an authorize request. Unknown clients
// are auto-registered with the supplied redirect URI bound; for known
// clients the redirect URI must be in the registered set. Redirect URI
// failures are terminal 400s: redirecting to an unverified URI would be an
// open redirect.
func (s *Server) EnsureClient(ctx context.Context, clientID, redirectURI string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		client = &storage.Client{
			ClientID:      clientID,
			RedirectURIs:  []string{redirectURI},
			GrantTypes:    []string{"authorization_code"},
			ResponseTypes: []string{"code"},
			Scopes:        []string{DefaultScope},
			CreatedAt:     s.clock(),
		}
		if err := s.clients.SaveClient(ctx, client); err != nil {
			return nil, ErrServerError("saving auto-registered client failed")
		}
		s.persist()
		s.logger.Info("Auto-registered unknown client at authorize time",
			"client_id", clientID, "redirect_uri", redirectURI)
		return client, nil
	}
	if err != nil {
		return nil, ErrServerError("client lookup failed")
	}

	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return nil, ErrInvalidGrant("redirect_uri is not registered for this client")
	}
	return client, nil
}

// GetClient returns a registered client (administrative surface).
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidClient("unknown client")
	}
	if err != nil {
		return nil, ErrServerError("client lookup failed")
	}
	return client, nil
}

// ClientUpdate carries the whitelisted field subset an administrator may
// change. Nil/empty fields are left untouched.
type ClientUpdate struct {
	ClientName              *string
	Scope                   *string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod *string
}

// UpdateClient applies an administrative update to the whitelisted fields.
func (s *Server) UpdateClient(ctx context.Context, clientID string, update ClientUpdate) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if update.ClientName != nil {
		client.ClientName = *update.ClientName
	}
	if update.Scope != nil {
		client.Scopes = []string{*update.Scope}
	}
	if len(update.RedirectURIs) > 0 {
		client.RedirectURIs = update.RedirectURIs
	}
	if len(update.GrantTypes) > 0 {
		client.GrantTypes = update.GrantTypes
	}
	if len(update.ResponseTypes) > 0 {
		client.ResponseTypes = update.ResponseTypes
	}
	if update.TokenEndpointAuthMethod != nil {
		client.TokenEndpointAuthMethod = *update.TokenEndpointAuthMethod
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("saving client failed")
	}
	s.persist()
	return client, nil
}

// DeleteClient removes a registration (administrative surface).
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.clients.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidClient("unknown client")
		}
		return ErrServerError("deleting client failed")
	}
	s.persist()
	return nil
}

// ==================== Authorization codes ====================

// IssueCode creates an authorization code bound to the client, redirect URI,
// optional PKCE challenge, and the admin session that authorized it.
func (s *Server) IssueCode(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, adminSessionToken string) (*storage.AuthorizationCode, error) {
	if codeChallenge != "" && codeChallengeMethod != "" && codeChallengeMethod != "S256" {
		return nil, ErrInvalidRequest("only the S256 code_challenge_method is supported")
	}
	if adminSessionToken == "" {
		return nil, ErrServerError("authorization requires an admin session")
	}

	if scope == "" {
		scope = DefaultScope
	}

	now := s.clock()
	code := &storage.AuthorizationCode{
		Code:                util.RandomToken(32),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		AdminSessionRef:     adminSessionToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
	}
	if err := s.flows.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, ErrServerError("saving authorization code failed")
	}
	s.persist()

	s.logger.Info("Authorization code issued",
		"client_id", clientID,
		"code", util.SafeTruncate(code.Code, 8),
		"pkce", codeChallenge != "")
	if s.inst != nil {
		s.inst.Metrics().CodesIssued.Add(ctx, 1)
	}
	return code, nil
}

// ExchangeRequest is an authorization_code token exchange.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	CodeVerifier string
	RedirectURI  string
}

// Exchange consumes an authorization code and mints an access token.
// Consumption is atomic: a second exchange of the same code always fails
// with invalid_grant, regardless of whether the first succeeded.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest, remoteIP string) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidRequest("code is required"))
	}

	code, err := s.flows.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeConsumed):
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidGrant("authorization code already used"))
	case errors.Is(err, storage.ErrNotFound):
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidGrant("authorization code not found or expired"))
	case err != nil:
		return nil, ErrServerError("consuming authorization code failed")
	}

	if subtle.ConstantTimeCompare([]byte(code.ClientID), []byte(req.ClientID)) != 1 {
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidGrant("client_id does not match authorization code"))
	}
	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidGrant("redirect_uri does not match authorization code"))
	}

	if err := s.validatePKCE(ctx, code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, err)
	}

	// Fail fast when the authorizing admin session is gone: minting a token
	// against a dead session would silently degrade to default credentials
	// at resolution time.
	if _, err := s.adminSessions.GetAdminSession(ctx, code.AdminSessionRef); err != nil {
		return nil, s.grantFailure(ctx, req.ClientID, remoteIP, ErrInvalidGrant("authorizing session no longer exists"))
	}

	return s.mintAccessToken(ctx, code.ClientID, code.Scope, code.AdminSessionRef, "authorization_code", remoteIP)
}

// ClientCredentials handles the client_credentials grant. Three credential
// shapes are accepted for backward compatibility: a registered client's
// id+secret, the resource owner's identifier with its provisioning key, and
// the service-wide key used as both id and secret.
func (s *Server) ClientCredentials(ctx context.Context, clientID, clientSecret, scope string, remoteIP string) (*TokenResponse, error) {
	if clientID == "" || clientSecret == "" {
		return nil, s.grantFailure(ctx, clientID, remoteIP, ErrInvalidClient("client_id and client_secret are required"))
	}
	if scope == "" {
		scope = DefaultScope
	}

	// Registered client.
	if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err == nil {
		return s.mintAccessToken(ctx, clientID, scope, s.latestAdminRef(ctx), "client_credentials", remoteIP)
	}

	// Resource owner identifier + provisioning key.
	if s.config.ProvisioningKey != "" && s.config.OwnerID != "" &&
		subtle.ConstantTimeCompare([]byte(clientID), []byte(s.config.OwnerID)) == 1 &&
		subtle.ConstantTimeCompare([]byte(clientSecret), []byte(s.config.ProvisioningKey)) == 1 {
		return s.mintAccessToken(ctx, clientID, scope, s.latestAdminRef(ctx), "client_credentials", remoteIP)
	}

	// Service-wide key as both id and secret.
	if s.config.ServiceKey != "" &&
		subtle.ConstantTimeCompare([]byte(clientID), []byte(s.config.ServiceKey)) == 1 &&
		subtle.ConstantTimeCompare([]byte(clientSecret), []byte(s.config.ServiceKey)) == 1 {
		return s.mintAccessToken(ctx, "service", scope, s.latestAdminRef(ctx), "client_credentials", remoteIP)
	}

	return nil, s.grantFailure(ctx, clientID, remoteIP, ErrInvalidClient("invalid client credentials"))
}

// latestAdminRef returns the most recent linkable admin session token, or
// empty when none exists. client_credentials tokens are linked best-effort:
// the grant authenticates the caller, not a login, so there may legitimately
// be no admin session yet.
func (s *Server) latestAdminRef(ctx context.Context) string {
	session, err := s.adminSessions.LatestAdminSession(ctx)
	if err != nil {
		return ""
	}
	return session.Token
}

func (s *Server) mintAccessToken(ctx context.Context, clientID, scope, adminSessionRef, grantType, remoteIP string) (*TokenResponse, error) {
	now := s.clock()
	expiresAt := now.Add(s.config.AccessTokenTTL)

	value, err := s.signer.Mint(clientID, scope, now, expiresAt)
	if err != nil {
		return nil, ErrServerError("minting access token failed")
	}

	token := &storage.AccessToken{
		Token:           value,
		ClientID:        clientID,
		Scope:           scope,
		AdminSessionRef: adminSessionRef,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := s.tokens.SaveAccessToken(ctx, token); err != nil {
		return nil, ErrServerError("saving access token failed")
	}
	s.persist()

	s.logger.Info("Access token issued",
		"client_id", clientID,
		"grant_type", grantType,
		"token", util.SafeTruncate(value, 8),
		"linked", adminSessionRef != "",
		"expires_at", expiresAt)
	if s.auditor != nil {
		s.auditor.LogTokenIssued(clientID, remoteIP, grantType, scope)
	}
	if s.inst != nil {
		s.inst.Metrics().TokensIssued.Add(ctx, 1)
	}

	return &TokenResponse{
		AccessToken: value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}, nil
}

// grantFailure records metrics/audit for a rejected grant and returns err.
func (s *Server) grantFailure(ctx context.Context, clientID, remoteIP string, err *OAuthError) *OAuthError {
	if s.auditor != nil {
		s.auditor.LogGrantRejected(clientID, remoteIP, err.Code)
	}
	if s.inst != nil {
		s.inst.Metrics().GrantFailures.Add(ctx, 1)
	}
	return err
}

// validatePKCE recomputes the stored challenge from the presented verifier
// (RFC 7636). A stored challenge with no verifier is invalid_request; a
// digest mismatch is invalid_grant.
func (s *Server) validatePKCE(ctx context.Context, challenge, method, verifier string) *OAuthError {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return ErrInvalidRequest("code_verifier is required when code_challenge was presented")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return ErrInvalidRequest("code_verifier must be 43-128 characters (RFC 7636)")
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return ErrInvalidRequest("code_verifier contains invalid characters")
		}
	}

	if method != "" && method != "S256" {
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		if s.inst != nil {
			s.inst.Metrics().PKCEValidationFailed.Add(ctx, 1)
		}
		return ErrInvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}
