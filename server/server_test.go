package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rightapi/ha-mcp-bridge/authn"
	"github.com/rightapi/ha-mcp-bridge/homeassistant"
	"github.com/rightapi/ha-mcp-bridge/mcp"
	"github.com/rightapi/ha-mcp-bridge/oauth"
	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/storage/memory"
	"github.com/rightapi/ha-mcp-bridge/tools"
	"github.com/rightapi/ha-mcp-bridge/vault"
)

type okProber struct{}

func (okProber) Ping(ctx context.Context, host, token string) error { return nil }

func newTestMux(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	signer, err := oauth.NewTokenSigner([]byte(strings.Repeat("k", 32)), "https://bridge.example.com")
	require.NoError(t, err)

	oauthServer, err := oauth.NewServer(store, store, store, store, signer, &oauth.ServerConfig{
		Issuer: "https://bridge.example.com",
	}, nil)
	require.NoError(t, err)

	vaultSvc, err := vault.New(store, okProber{}, vault.Config{
		Username: "admin",
		Password: "hunter2hunter2",
	}, nil)
	require.NoError(t, err)

	oauthHandler, err := oauth.NewHandler(oauthServer, vaultSvc, oauth.HandlerConfig{
		ServerURL: "https://bridge.example.com",
	}, nil, nil, nil)
	require.NoError(t, err)

	resolver, err := authn.New(signer, store, store, store, authn.Config{
		ServerURL: "https://bridge.example.com",
	}, nil)
	require.NoError(t, err)

	executor, err := tools.NewExecutor(homeassistant.New(), nil, nil)
	require.NoError(t, err)

	dispatcher, err := mcp.New(resolver, executor, store, store, mcp.Config{
		ServerName: "ha-mcp-bridge",
		ServerURL:  "https://bridge.example.com",
	}, nil)
	require.NoError(t, err)

	handler, err := NewHandler(Options{
		OAuth:   oauthHandler,
		MCP:     dispatcher,
		Version: "test",
	})
	require.NoError(t, err)
	return handler
}

func TestHealthEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRoutesAreWired(t *testing.T) {
	mux := newTestMux(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/.well-known/oauth-authorization-server", http.StatusOK},
		{http.MethodGet, "/.well-known/oauth-protected-resource", http.StatusOK},
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/message", http.StatusOK},
		{http.MethodOptions, "/", http.StatusNoContent},
		{http.MethodGet, "/oauth/clients", http.StatusNotFound}, // admin surface disabled without a key
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, "%s %s", tt.method, tt.path)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(security.RequestIDHeader))
}

func TestMCPInitializeThroughMux(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(authn.HeaderSessionID))
}
