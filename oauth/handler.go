package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/vault"
)

const (
	adminSessionCookie = "admin_session"

	// maxRegistrationBody bounds dynamic registration request bodies
	maxRegistrationBody = 64 * 1024
)

// HandlerConfig carries the HTTP-level knobs for the OAuth endpoints.
type HandlerConfig struct {
	// ServerURL is the externally visible base URL, used for security
	// headers and cookie attributes.
	ServerURL string

	// AdminAPIKey gates the client administration endpoints. Empty
	// disables them entirely.
	AdminAPIKey string

	// DefaultDownstreamHost and DefaultDownstreamToken fill in login form
	// fields the administrator leaves blank.
	DefaultDownstreamHost  string
	DefaultDownstreamToken string

	// TrustProxy enables X-Forwarded-For parsing for client IPs
	TrustProxy bool

	// TrustedProxyCount is the number of trusted reverse proxies
	TrustedProxyCount int
}

// Handler exposes the OAuth server over HTTP: discovery metadata, dynamic
// registration, the browser-facing authorize/login/approve pages, and the
// token endpoint.
type Handler struct {
	server  *Server
	vault   *vault.Service
	config  HandlerConfig
	logger  *slog.Logger
	limiter *security.RateLimiter
	auditor *security.Auditor
}

// NewHandler creates the HTTP layer over the OAuth server. limiter and
// auditor may be nil.
func NewHandler(server *Server, vaultSvc *vault.Service, config HandlerConfig, logger *slog.Logger, limiter *security.RateLimiter, auditor *security.Auditor) (*Handler, error) {
	if server == nil {
		return nil, errors.New("oauth server is required")
	}
	if vaultSvc == nil {
		return nil, errors.New("vault service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:  server,
		vault:   vaultSvc,
		config:  config,
		logger:  logger,
		limiter: limiter,
		auditor: auditor,
	}, nil
}

// Register mounts all OAuth routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.handleServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.handleResourceMetadata)
	mux.HandleFunc("/oauth/register", h.handleRegister)
	mux.HandleFunc("/oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("/oauth/login", h.handleLogin)
	mux.HandleFunc("/oauth/approve", h.handleApprove)
	mux.HandleFunc("/oauth/token", h.handleToken)
	mux.HandleFunc("/oauth/clients", h.handleClients)
	mux.HandleFunc("/oauth/clients/", h.handleClientByID)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// allow applies the per-IP rate limit; a rejected request has already been
// answered when allow returns false.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.limiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.limiter.Allow(ip) {
		return true
	}
	if h.auditor != nil {
		h.auditor.LogRateLimitExceeded(ip, endpoint)
	}
	h.writeOAuthError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
	return false
}

// ==================== Discovery ====================

func (h *Handler) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	security.SetCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.Metadata())
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	security.SetCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.ResourceMetadata())
}

// ==================== Registration ====================

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		security.SetCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allow(w, r, "/oauth/register") {
		return
	}
	security.SetCORSHeaders(w)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.writeOAuthError(w, ErrInvalidClientMetadata("request body is not valid JSON"))
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// ==================== Authorize / login / approve ====================

// handleAuthorize renders the consent page when a valid admin session
// cookie is present and the login page otherwise. Redirect URI problems are
// terminal: the error renders in the browser instead of redirecting.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allow(w, r, "/oauth/authorize") {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	if clientID == "" || redirectURI == "" || state == "" {
		h.renderError(w, http.StatusBadRequest, "Invalid request", "client_id, redirect_uri and state are required.")
		return
	}

	client, err := h.server.EnsureClient(r.Context(), clientID, redirectURI)
	if err != nil {
		var oerr *OAuthError
		if errors.As(err, &oerr) {
			h.renderError(w, oerr.Status, "Authorization refused", oerr.Description)
			return
		}
		h.renderError(w, http.StatusInternalServerError, "Server error", "Could not process the authorization request.")
		return
	}

	// Only redirect after the URI has been validated against the registry.
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		h.redirectError(w, r, redirectURI, "unsupported_response_type", state)
		return
	}

	data := authPageData{
		ClientID:            clientID,
		ClientName:          client.ClientName,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if cookie, err := r.Cookie(adminSessionCookie); err == nil {
		if _, err := h.vault.Verify(r.Context(), cookie.Value); err == nil {
			h.renderPage(w, consentPage, data)
			return
		}
	}
	h.renderPage(w, loginPage, data)
}

// handleLogin verifies the administrator and vaults the Home Assistant
// connection, then sends the browser back to the authorize page with the
// session cookie set.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allow(w, r, "/oauth/login") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderError(w, http.StatusBadRequest, "Invalid request", "Could not parse the login form.")
		return
	}

	data := authPageData{
		ClientID:            r.PostFormValue("client_id"),
		RedirectURI:         r.PostFormValue("redirect_uri"),
		State:               r.PostFormValue("state"),
		Scope:               r.PostFormValue("scope"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
	}

	haHost := r.PostFormValue("ha_host")
	if haHost == "" {
		haHost = h.config.DefaultDownstreamHost
	}
	haToken := r.PostFormValue("ha_token")
	if haToken == "" {
		haToken = h.config.DefaultDownstreamToken
	}

	session, err := h.vault.Login(r.Context(),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		haHost,
		haToken,
		h.clientIP(r))
	switch {
	case errors.Is(err, vault.ErrAuthentication):
		data.Error = "Invalid username or password."
		h.renderPage(w, loginPage, data)
		return
	case errors.Is(err, vault.ErrDownstreamUnreachable):
		data.Error = "Credentials accepted, but Home Assistant could not be reached. Check the URL and access token."
		h.renderPage(w, loginPage, data)
		return
	case err != nil:
		h.renderError(w, http.StatusInternalServerError, "Server error", "Login failed unexpectedly.")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     adminSessionCookie,
		Value:    session.Token,
		Path:     "/oauth",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.config.ServerURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	back := url.Values{}
	back.Set("client_id", data.ClientID)
	back.Set("redirect_uri", data.RedirectURI)
	back.Set("response_type", "code")
	setIfPresent(back, "state", data.State)
	setIfPresent(back, "scope", data.Scope)
	setIfPresent(back, "code_challenge", data.CodeChallenge)
	setIfPresent(back, "code_challenge_method", data.CodeChallengeMethod)
	http.Redirect(w, r, "/oauth/authorize?"+back.Encode(), http.StatusFound)
}

// handleApprove records the consent decision: approvals mint a code and
// redirect with it, denials redirect with error=access_denied.
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allow(w, r, "/oauth/approve") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderError(w, http.StatusBadRequest, "Invalid request", "Could not parse the consent form.")
		return
	}

	clientID := r.PostFormValue("client_id")
	redirectURI := r.PostFormValue("redirect_uri")
	state := r.PostFormValue("state")

	cookie, err := r.Cookie(adminSessionCookie)
	if err != nil {
		h.renderError(w, http.StatusUnauthorized, "Session expired", "Sign in again to continue.")
		return
	}
	session, err := h.vault.Verify(r.Context(), cookie.Value)
	if err != nil {
		h.renderError(w, http.StatusUnauthorized, "Session expired", "Sign in again to continue.")
		return
	}

	// Re-validate the redirect URI against the registry before redirecting
	// anywhere, even for denials.
	if _, err := h.server.EnsureClient(r.Context(), clientID, redirectURI); err != nil {
		h.renderError(w, http.StatusBadRequest, "Authorization refused", "redirect_uri is not registered for this client.")
		return
	}

	if r.PostFormValue("decision") != "approve" {
		h.redirectError(w, r, redirectURI, ErrorCodeAccessDenied, state)
		return
	}

	code, err := h.server.IssueCode(r.Context(),
		clientID,
		redirectURI,
		r.PostFormValue("scope"),
		r.PostFormValue("code_challenge"),
		r.PostFormValue("code_challenge_method"),
		session.Token)
	if err != nil {
		var oerr *OAuthError
		if errors.As(err, &oerr) && oerr.Code == ErrorCodeInvalidRequest {
			h.redirectError(w, r, redirectURI, oerr.Code, state)
			return
		}
		h.renderError(w, http.StatusInternalServerError, "Server error", "Could not issue the authorization code.")
		return
	}

	loc := url.Values{}
	loc.Set("code", code.Code)
	setIfPresent(loc, "state", state)
	http.Redirect(w, r, join(redirectURI, loc), http.StatusFound)
}

// ==================== Token ====================

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		security.SetCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allow(w, r, "/oauth/token") {
		return
	}
	security.SetCORSHeaders(w)
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("request body must be application/x-www-form-urlencoded"))
		return
	}

	clientID, clientSecret := r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	if clientID == "" {
		// RFC 6749 also allows HTTP Basic client authentication.
		if basicID, basicSecret, ok := r.BasicAuth(); ok {
			clientID, clientSecret = basicID, basicSecret
		}
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = h.server.Exchange(r.Context(), ExchangeRequest{
			Code:         r.PostFormValue("code"),
			ClientID:     clientID,
			CodeVerifier: r.PostFormValue("code_verifier"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
		}, h.clientIP(r))
	case "client_credentials":
		resp, err = h.server.ClientCredentials(r.Context(), clientID, clientSecret, r.PostFormValue("scope"), h.clientIP(r))
	default:
		err = ErrUnsupportedGrantType("grant_type " + grantType + " is not supported")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	// RFC 6749 section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// ==================== Client administration ====================

// authorizeAdmin gates the client CRUD surface on the admin API key.
func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.config.AdminAPIKey == "" {
		http.NotFound(w, r)
		return false
	}
	key := r.Header.Get("X-Admin-Api-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.config.AdminAPIKey)) != 1 {
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidRequest, "invalid admin API key", http.StatusUnauthorized))
		return false
	}
	return true
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	clients, err := h.server.clients.ListClients(r.Context())
	if err != nil {
		h.writeOAuthError(w, ErrServerError("listing clients failed"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

type clientUpdateRequest struct {
	ClientName              *string  `json:"client_name,omitempty"`
	Scope                   *string  `json:"scope,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod *string  `json:"token_endpoint_auth_method,omitempty"`
}

func (h *Handler) handleClientByID(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	clientID := strings.TrimPrefix(r.URL.Path, "/oauth/clients/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		client, err := h.server.GetClient(r.Context(), clientID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, client)
	case http.MethodPut, http.MethodPatch:
		var req clientUpdateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
			h.writeOAuthError(w, ErrInvalidRequest("request body is not valid JSON"))
			return
		}
		client, err := h.server.UpdateClient(r.Context(), clientID, ClientUpdate{
			ClientName:              req.ClientName,
			Scope:                   req.Scope,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              req.GrantTypes,
			ResponseTypes:           req.ResponseTypes,
			TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, client)
	case http.MethodDelete:
		if err := h.server.DeleteClient(r.Context(), clientID); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		h.writeOAuthError(w, ErrInvalidRequest("method not allowed"))
	}
}

// ==================== Helpers ====================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Writing JSON response failed", "error", err)
	}
}

// writeError maps any error to an OAuth error response, downgrading unknown
// errors to server_error without leaking detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		oerr = ErrServerError("internal error")
	}
	h.writeOAuthError(w, oerr)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *OAuthError) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, &ErrorResponse{Error: oerr.Code, ErrorDescription: oerr.Description})
}

func (h *Handler) renderPage(w http.ResponseWriter, tmpl *template.Template, data authPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	security.SetSecurityHeaders(w, h.config.ServerURL)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("Rendering page failed", "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	security.SetSecurityHeaders(w, h.config.ServerURL)
	w.WriteHeader(status)
	if err := errorPage.Execute(w, errorPageData{Title: title, Detail: detail}); err != nil {
		h.logger.Error("Rendering error page failed", "error", err)
	}
}

// redirectError sends the browser back to the client with an OAuth error.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	loc := url.Values{}
	loc.Set("error", code)
	setIfPresent(loc, "state", state)
	http.Redirect(w, r, join(redirectURI, loc), http.StatusFound)
}

// join appends query parameters to a redirect URI that may already carry
// its own query string.
func join(redirectURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + params.Encode()
}

func setIfPresent(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
