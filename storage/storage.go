// Package storage defines interfaces for persisting OAuth clients, admin
// sessions, authorization codes, access tokens, and RPC sessions.
// It supports various backend implementations; the in-memory store under
// storage/memory is the reference implementation.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client. Saving an existing client ID
	// replaces the stored record (used by administrative updates).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin and snapshot purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// AdminSessionStore manages durable credential-bearing sessions created at
// login time. Tokens, codes, and RPC sessions reference admin sessions by
// token; they never hold downstream credentials themselves.
type AdminSessionStore interface {
	// SaveAdminSession saves an admin session
	SaveAdminSession(ctx context.Context, session *AdminSession) error

	// GetAdminSession retrieves an admin session by token.
	// Expired sessions are treated as not found.
	GetAdminSession(ctx context.Context, token string) (*AdminSession, error)

	// DeleteAdminSession removes an admin session
	DeleteAdminSession(ctx context.Context, token string) error

	// LatestAdminSession returns the most recently created session that is
	// authenticated, unexpired, and carries non-empty downstream credentials.
	// This is the single-admin linking fallback: there is exactly one trusted
	// credential holder per deployment.
	LatestAdminSession(ctx context.Context) (*AdminSession, error)

	// ListAdminSessions lists all unexpired admin sessions (for snapshots)
	ListAdminSessions(ctx context.Context) ([]*AdminSession, error)
}

// FlowStore manages short-lived authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code exists, is
	// unexpired and unconsumed, marks it consumed, and removes it.
	// A second call for the same code must fail.
	// SECURITY: This operation MUST be a single critical section to prevent
	// double-spending a code under concurrent token exchanges.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// ListAuthorizationCodes lists all unexpired codes (for snapshots)
	ListAuthorizationCodes(ctx context.Context) ([]*AuthorizationCode, error)
}

// TokenStore manages issued access tokens. Token values are signed JWTs, but
// every token is also recorded server-side so issuance can be revoked by
// deleting the record.
type TokenStore interface {
	// SaveAccessToken saves an issued access token
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by its value.
	// Expired tokens are treated as not found.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// TouchAccessToken updates last-used bookkeeping for a token
	TouchAccessToken(ctx context.Context, token string, usedAt time.Time) error

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// ListAccessTokens lists all unexpired tokens (for snapshots)
	ListAccessTokens(ctx context.Context) ([]*AccessToken, error)
}

// RPCSessionStore manages ephemeral per-connection protocol sessions.
// RPC sessions are not persisted across restarts.
type RPCSessionStore interface {
	// SaveRPCSession saves an RPC session
	SaveRPCSession(ctx context.Context, session *RPCSession) error

	// GetRPCSession retrieves an RPC session by ID
	GetRPCSession(ctx context.Context, id string) (*RPCSession, error)

	// DeleteRPCSession removes an RPC session
	DeleteRPCSession(ctx context.Context, id string) error
}

// SnapshotStore is implemented by backends that can dump and restore the
// durable portion of their state (admin sessions, access tokens,
// authorization codes) for on-disk snapshots.
type SnapshotStore interface {
	// DumpState returns a copy of all unexpired durable state
	DumpState(ctx context.Context) (*State, error)

	// RestoreState loads previously dumped state, dropping expired entries.
	// Existing entries with the same keys are replaced.
	RestoreState(ctx context.Context, state *State) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash"` // bcrypt hash
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	Scopes                  []string  `json:"scopes,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// AdminSession is the durable session created after a successful admin login
// with live-validated downstream credentials. Its token is the only handle
// through which downstream credentials are ever reached.
type AdminSession struct {
	Token            string    `json:"token"`
	Authenticated    bool      `json:"authenticated"`
	DownstreamHost   string    `json:"downstream_host"`
	DownstreamSecret string    `json:"downstream_secret"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the session has expired at the given time.
func (s *AdminSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Linkable reports whether the session can serve as a linking target for new
// RPC sessions: authenticated, unexpired, and carrying downstream credentials.
func (s *AdminSession) Linkable(now time.Time) bool {
	return s.Authenticated && !s.Expired(now) &&
		s.DownstreamHost != "" && s.DownstreamSecret != ""
}

// AuthorizationCode represents an issued, single-use authorization code
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AdminSessionRef     string    `json:"admin_session_ref"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// AccessToken represents an issued bearer token. The Token field holds the
// full signed value; it must never be logged beyond a short prefix.
type AccessToken struct {
	Token           string    `json:"token"`
	ClientID        string    `json:"client_id"`
	Scope           string    `json:"scope,omitempty"`
	AdminSessionRef string    `json:"admin_session_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
}

// RPCSession is an ephemeral protocol session created at handshake time.
// It holds at most a reference to an admin session, never credentials, so
// expiring the admin session invalidates every RPC session pointing at it.
type RPCSession struct {
	ID              string    `json:"id"`
	Authenticated   bool      `json:"authenticated"`
	AdminSessionRef string    `json:"admin_session_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// State is the durable store contents captured by a snapshot.
// RPC sessions are deliberately absent: they are bound to live connections.
type State struct {
	AdminSessions      []*AdminSession      `json:"admin_sessions"`
	AccessTokens       []*AccessToken       `json:"access_tokens"`
	AuthorizationCodes []*AuthorizationCode `json:"authorization_codes"`
}
