// Package authn resolves each incoming request to the Home Assistant
// credentials it should act with. Resolution walks a fixed chain: bearer
// token, RPC session link, explicit override headers, then the server's
// configured defaults.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rightapi/ha-mcp-bridge/internal/util"
	"github.com/rightapi/ha-mcp-bridge/oauth"
	"github.com/rightapi/ha-mcp-bridge/storage"
)

// Credential override headers accepted from trusted direct callers.
const (
	HeaderHAURL   = "X-HA-URL"
	HeaderHAToken = "X-HA-Token"

	// HeaderSessionID carries the MCP session identifier
	HeaderSessionID = "Mcp-Session-Id"
)

// Source identifies which step of the chain produced the credentials.
type Source string

const (
	SourceBearer     Source = "bearer"
	SourceRPCSession Source = "rpc_session"
	SourceHeaders    Source = "headers"
	SourceDefaults   Source = "defaults"
)

// ErrSessionExpired means a token or session referenced an admin session
// that no longer exists. This is terminal: resolution never falls back to
// defaults once a dead reference is seen, because acting with different
// credentials than the ones the user authorized would be silent misbehavior.
var ErrSessionExpired = errors.New("authorizing session expired, re-authentication required")

// UnauthorizedError is returned for requests that present no usable
// credentials but clearly expect an authenticated MCP conversation. It
// carries the endpoints the client needs to start the OAuth flow.
type UnauthorizedError struct {
	AuthURL               string `json:"auth_url"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

func (e *UnauthorizedError) Error() string {
	return "authentication required"
}

// Credentials is the resolved downstream identity for one request.
type Credentials struct {
	// Host is the Home Assistant base URL
	Host string

	// Token is the Home Assistant long-lived access token
	Token string

	// Source records which chain step resolved the credentials
	Source Source

	// ClientID is the OAuth client, when Source is SourceBearer
	ClientID string

	// AdminSessionRef is the admin session token backing these
	// credentials, when one exists.
	AdminSessionRef string
}

// Config holds resolver configuration.
type Config struct {
	// ServerURL is the externally visible base URL, used to build the
	// endpoint hints in UnauthorizedError.
	ServerURL string

	// DefaultHost and DefaultToken are the anonymous fallback credentials.
	// Either may be empty, in which case anonymous requests resolve to
	// empty credentials and tool calls against them fail downstream.
	DefaultHost  string
	DefaultToken string
}

// Resolver resolves requests to credentials against the token and session
// stores.
type Resolver struct {
	signer        *oauth.TokenSigner
	tokens        storage.TokenStore
	adminSessions storage.AdminSessionStore
	rpcSessions   storage.RPCSessionStore
	config        Config
	logger        *slog.Logger
	clock         func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New creates a Resolver.
func New(
	signer *oauth.TokenSigner,
	tokens storage.TokenStore,
	adminSessions storage.AdminSessionStore,
	rpcSessions storage.RPCSessionStore,
	config Config,
	logger *slog.Logger,
	opts ...Option,
) (*Resolver, error) {
	if signer == nil {
		return nil, errors.New("token signer is required")
	}
	if tokens == nil || adminSessions == nil || rpcSessions == nil {
		return nil, errors.New("all stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		signer:        signer,
		tokens:        tokens,
		adminSessions: adminSessions,
		rpcSessions:   rpcSessions,
		config:        config,
		logger:        logger,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Unauthorized builds the structured unauthorized payload pointing at the
// OAuth endpoints.
func (r *Resolver) Unauthorized() *UnauthorizedError {
	base := util.NormalizeURL(r.config.ServerURL)
	return &UnauthorizedError{
		AuthURL:               base + "/oauth/authorize",
		AuthorizationEndpoint: base + "/oauth/authorize",
		RegistrationEndpoint:  base + "/oauth/register",
		TokenEndpoint:         base + "/oauth/token",
	}
}

// Resolve walks the credential chain for req. A bearer token or session
// that references a dead admin session fails with ErrSessionExpired rather
// than falling through.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Credentials, error) {
	if bearer := BearerToken(req); bearer != "" {
		return r.resolveBearer(ctx, bearer)
	}

	if sessionID := req.Header.Get(HeaderSessionID); sessionID != "" {
		creds, err := r.resolveRPCSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			return creds, nil
		}
		// Unknown or unlinked session: continue down the chain.
	}

	if host := req.Header.Get(HeaderHAURL); host != "" {
		if token := req.Header.Get(HeaderHAToken); token != "" {
			return &Credentials{
				Host:   util.NormalizeURL(host),
				Token:  token,
				Source: SourceHeaders,
			}, nil
		}
	}

	if IsDiscoveryOnly(req) {
		return nil, r.Unauthorized()
	}

	return r.defaults()
}

// defaults is the end of the chain. Exhausting every source without a
// configured fallback fails unauthorized rather than handing out empty
// credentials.
func (r *Resolver) defaults() (*Credentials, error) {
	if r.config.DefaultHost == "" || r.config.DefaultToken == "" {
		return nil, r.Unauthorized()
	}
	return &Credentials{
		Host:   r.config.DefaultHost,
		Token:  r.config.DefaultToken,
		Source: SourceDefaults,
	}, nil
}

// ResolveSessionID resolves an RPC session identifier directly, for
// transports that have already peeled the session off the request.
func (r *Resolver) ResolveSessionID(ctx context.Context, sessionID string) (*Credentials, error) {
	creds, err := r.resolveRPCSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return r.defaults()
	}
	return creds, nil
}

func (r *Resolver) resolveBearer(ctx context.Context, bearer string) (*Credentials, error) {
	if _, err := r.signer.Verify(bearer); err != nil {
		r.logger.Debug("Bearer token rejected", "token", util.SafeTruncate(bearer, 8), "error", err)
		return nil, r.Unauthorized()
	}

	token, err := r.tokens.GetAccessToken(ctx, bearer)
	if errors.Is(err, storage.ErrNotFound) {
		// Valid signature but revoked or restarted away.
		return nil, r.Unauthorized()
	}
	if err != nil {
		return nil, fmt.Errorf("access token lookup: %w", err)
	}

	if err := r.tokens.TouchAccessToken(ctx, bearer, r.clock()); err != nil {
		r.logger.Debug("Touching access token failed", "error", err)
	}

	if token.AdminSessionRef == "" {
		// client_credentials tokens may be minted before any login exists.
		return &Credentials{
			Host:     r.config.DefaultHost,
			Token:    r.config.DefaultToken,
			Source:   SourceBearer,
			ClientID: token.ClientID,
		}, nil
	}

	session, err := r.adminSessions.GetAdminSession(ctx, token.AdminSessionRef)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Bearer token references expired admin session",
			"client_id", token.ClientID,
			"token", util.SafeTruncate(bearer, 8))
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("admin session lookup: %w", err)
	}

	return &Credentials{
		Host:            session.DownstreamHost,
		Token:           session.DownstreamSecret,
		Source:          SourceBearer,
		ClientID:        token.ClientID,
		AdminSessionRef: session.Token,
	}, nil
}

// resolveRPCSession returns (nil, nil) when the session is unknown or
// unlinked so the caller can continue down the chain.
func (r *Resolver) resolveRPCSession(ctx context.Context, sessionID string) (*Credentials, error) {
	rpc, err := r.rpcSessions.GetRPCSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rpc session lookup: %w", err)
	}
	if !rpc.Authenticated || rpc.AdminSessionRef == "" {
		return nil, nil
	}

	session, err := r.adminSessions.GetAdminSession(ctx, rpc.AdminSessionRef)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("RPC session references expired admin session",
			"session_id", util.SafeTruncate(sessionID, 8))
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("admin session lookup: %w", err)
	}

	return &Credentials{
		Host:            session.DownstreamHost,
		Token:           session.DownstreamSecret,
		Source:          SourceRPCSession,
		AdminSessionRef: session.Token,
	}, nil
}

// IsDiscoveryOnly reports whether the request looks like an assistant
// client probing the server before it has obtained credentials: a known
// client user agent asking for an event stream with nothing to authenticate
// with. Such clients get a structured unauthorized response that tells them
// where to register and authorize instead of default credentials.
func IsDiscoveryOnly(req *http.Request) bool {
	ua := strings.ToLower(req.Header.Get("User-Agent"))
	knownClient := strings.Contains(ua, "claude") || strings.Contains(ua, "python-httpx")
	if !knownClient {
		return false
	}
	if !strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	return BearerToken(req) == "" &&
		req.Header.Get(HeaderSessionID) == "" &&
		req.Header.Get(HeaderHAToken) == ""
}

// BearerToken extracts the token from a Bearer authorization header,
// empty when absent.
func BearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
