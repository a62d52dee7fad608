package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rightapi/ha-mcp-bridge/storage/memory"
	"github.com/rightapi/ha-mcp-bridge/vault"
)

type stubProber struct {
	err error
}

func (p *stubProber) Ping(ctx context.Context, host, token string) error {
	return p.err
}

func newTestHandler(t *testing.T, prober vault.Prober) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	signer, err := NewTokenSigner([]byte(testSigningSecret), "https://bridge.example.com")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(store, store, store, store, signer, &ServerConfig{
		Issuer: "https://bridge.example.com",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	vaultSvc, err := vault.New(store, prober, vault.Config{
		Username: "admin",
		Password: "hunter2hunter2",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	handler, err := NewHandler(srv, vaultSvc, HandlerConfig{
		ServerURL:   "https://bridge.example.com",
		AdminAPIKey: "admin-key",
	}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return handler, store
}

func serveMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestHandleServerMetadata(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var md AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &md); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if md.RegistrationEndpoint != "https://bridge.example.com/oauth/register" {
		t.Errorf("RegistrationEndpoint = %q", md.RegistrationEndpoint)
	}
}

func TestHandleRegister(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	body := `{"redirect_uris":["https://example.com/cb"],"client_name":"Test"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ClientID == "" || resp.ClientSecret == "" {
		t.Error("registration response missing credentials")
	}
}

func TestHandleRegisterInvalidMetadata(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != ErrorCodeInvalidClientMetadata {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidClientMetadata)
	}
}

func TestHandleTokenUnsupportedGrant(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	form := url.Values{"grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnsupportedGrantType)
	}
}

func TestHandleTokenNoStoreHeader(t *testing.T) {
	handler, store := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	ctx := context.Background()
	saveAdminSession(t, store, "admin-1")
	code, err := handler.server.IssueCode(ctx, "client-a", "https://example.com/cb", "", "", "", "admin-1")
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code.Code},
		"client_id":  {"client-a"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestAuthorizeRequiresState(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	target := "/oauth/authorize?client_id=cli&redirect_uri=" +
		url.QueryEscape("https://example.com/cb") + "&response_type=code"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("unexpected redirect to %q", loc)
	}
	if !strings.Contains(rec.Body.String(), "state") {
		t.Error("error page should name the missing parameter")
	}
}

func TestAuthorizeBadResponseTypeNeverRedirectsToUnregisteredURI(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	// First visit binds the client to its redirect URI.
	bind := "/oauth/authorize?client_id=cli&redirect_uri=" +
		url.QueryEscape("https://example.com/cb") + "&response_type=code&state=a"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, bind, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("bind status = %d", rec.Code)
	}

	// An unregistered redirect URI must render the error, not 302 to it,
	// whatever the response_type says.
	attack := "/oauth/authorize?client_id=cli&redirect_uri=" +
		url.QueryEscape("https://evil.example/cb") + "&response_type=token&state=a"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, attack, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("redirected to %q", loc)
	}

	// The registered URI still gets the standard error redirect.
	valid := "/oauth/authorize?client_id=cli&redirect_uri=" +
		url.QueryEscape("https://example.com/cb") + "&response_type=token&state=a"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, valid, nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Host != "example.com" {
		t.Errorf("redirect host = %q", loc.Host)
	}
	if got := loc.Query().Get("error"); got != "unsupported_response_type" {
		t.Errorf("error = %q", got)
	}
}

func TestAuthorizeRendersLoginThenConsent(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	authorizeURL := "/oauth/authorize?client_id=cli&redirect_uri=" +
		url.QueryEscape("https://example.com/cb") + "&response_type=code&state=xyz"

	// No session cookie: login page.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authorizeURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Sign in") {
		t.Error("expected the login page")
	}

	// Log in, follow the redirect with the cookie: consent page.
	form := url.Values{
		"username":     {"admin"},
		"password":     {"hunter2hunter2"},
		"ha_host":      {"http://ha.local:8123"},
		"ha_token":     {"ha-token"},
		"client_id":    {"cli"},
		"redirect_uri": {"https://example.com/cb"},
		"state":        {"xyz"},
	}
	loginReq := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	mux.ServeHTTP(loginRec, loginReq)

	if loginRec.Code != http.StatusFound {
		t.Fatalf("login status = %d, body %s", loginRec.Code, loginRec.Body.String())
	}
	cookies := loginRec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login set no cookie")
	}

	consentReq := httptest.NewRequest(http.MethodGet, loginRec.Header().Get("Location"), nil)
	consentReq.AddCookie(cookies[0])
	consentRec := httptest.NewRecorder()
	mux.ServeHTTP(consentRec, consentReq)

	if !strings.Contains(consentRec.Body.String(), "Approve") {
		t.Error("expected the consent page")
	}
}

func TestLoginDownstreamUnreachable(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{err: context.DeadlineExceeded})
	mux := serveMux(handler)

	form := url.Values{
		"username":     {"admin"},
		"password":     {"hunter2hunter2"},
		"ha_host":      {"http://ha.local:8123"},
		"ha_token":     {"ha-token"},
		"client_id":    {"cli"},
		"redirect_uri": {"https://example.com/cb"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// Reachability failures re-render the form with a distinct message.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "could not be reached") {
		t.Errorf("expected the unreachable message, got: %s", rec.Body.String())
	}
}

func TestApproveDenialRedirects(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)
	ctx := context.Background()

	// Establish the admin session through the real login path.
	session, err := handler.vault.Login(ctx, "admin", "hunter2hunter2", "http://ha.local:8123", "tok", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := handler.server.EnsureClient(ctx, "cli", "https://example.com/cb"); err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"decision":     {"deny"},
		"client_id":    {"cli"},
		"redirect_uri": {"https://example.com/cb"},
		"state":        {"xyz"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/approve", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: session.Token})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "error=access_denied") || !strings.Contains(loc, "state=xyz") {
		t.Errorf("Location = %q", loc)
	}
}

func TestClientAdminRequiresKey(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProber{})
	mux := serveMux(handler)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/clients", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/oauth/clients", nil)
	req.Header.Set("X-Admin-Api-Key", "admin-key")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}
}
