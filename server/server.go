// Package server assembles the HTTP surface: the MCP endpoint, the OAuth
// endpoints, and the health check, behind the shared middleware chain.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rightapi/ha-mcp-bridge/mcp"
	"github.com/rightapi/ha-mcp-bridge/oauth"
	"github.com/rightapi/ha-mcp-bridge/security"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 0 // push channels stay open indefinitely
	idleTimeout       = 120 * time.Second
)

// Options carries the assembled components.
type Options struct {
	OAuth   *oauth.Handler
	MCP     *mcp.Dispatcher
	Version string
	Logger  *slog.Logger
}

// NewHandler builds the full route table with middleware applied.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.OAuth == nil || opts.MCP == nil {
		return nil, errors.New("oauth handler and mcp dispatcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	opts.OAuth.Register(mux)
	mux.HandleFunc("/health", healthHandler(opts.Version))

	// The MCP endpoint is the root; /message is kept as an alias for
	// clients that post there.
	mux.Handle("/", opts.MCP)
	mux.Handle("/message", opts.MCP)

	return security.RequestIDMiddleware(accessLog(logger, mux)), nil
}

// New builds the http.Server. Write timeout stays off so event streams are
// not reaped; slow-client protection comes from the header timeout.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"request_id", security.GetRequestID(r.Context()))
	})
}
