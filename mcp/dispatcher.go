package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rightapi/ha-mcp-bridge/authn"
	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/internal/util"
	"github.com/rightapi/ha-mcp-bridge/security"
	"github.com/rightapi/ha-mcp-bridge/storage"
	"github.com/rightapi/ha-mcp-bridge/tools"
)

const (
	// DefaultHeartbeatInterval keeps push connections alive through
	// proxies that reap idle streams.
	DefaultHeartbeatInterval = 8 * time.Second

	// DefaultCatalogPushDelay is how long after the stream opens the tool
	// catalog is pushed unprompted.
	DefaultCatalogPushDelay = time.Second

	maxRequestBody = 1 << 20
)

// Config holds dispatcher configuration.
type Config struct {
	// ServerName and ServerVersion populate initialize responses
	ServerName    string
	ServerVersion string

	// ServerURL is the externally visible base URL
	ServerURL string

	// HeartbeatInterval overrides DefaultHeartbeatInterval when positive
	HeartbeatInterval time.Duration

	// CatalogPushDelay overrides DefaultCatalogPushDelay when positive
	CatalogPushDelay time.Duration
}

// Dispatcher serves the MCP endpoint: JSON-RPC over POST, server metadata
// over plain GET, and an event stream over GET with an event-stream accept.
type Dispatcher struct {
	resolver      *authn.Resolver
	executor      *tools.Executor
	rpcSessions   storage.RPCSessionStore
	adminSessions storage.AdminSessionStore
	config        Config
	logger        *slog.Logger
	inst          *instrumentation.Instrumentation
	auditor       *security.Auditor
	clock         func() time.Time
	pushes        pushRegistry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInstrumentation enables request metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(d *Dispatcher) { d.inst = inst }
}

// WithAuditor enables audit logging of session linking.
func WithAuditor(a *security.Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// New creates a Dispatcher.
func New(
	resolver *authn.Resolver,
	executor *tools.Executor,
	rpcSessions storage.RPCSessionStore,
	adminSessions storage.AdminSessionStore,
	config Config,
	logger *slog.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if rpcSessions == nil || adminSessions == nil {
		return nil, errors.New("session stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.ServerName == "" {
		config.ServerName = "ha-mcp-bridge"
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.CatalogPushDelay <= 0 {
		config.CatalogPushDelay = DefaultCatalogPushDelay
	}

	d := &Dispatcher{
		resolver:      resolver,
		executor:      executor,
		rpcSessions:   rpcSessions,
		adminSessions: adminSessions,
		config:        config,
		logger:        logger,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ServeHTTP implements the single MCP endpoint.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	security.SetCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if acceptsEventStream(r) {
			d.servePush(w, r)
			return
		}
		d.serveMetadata(w)
	case http.MethodPost:
		d.servePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveMetadata answers plain GETs with a small service description.
func (d *Dispatcher) serveMetadata(w http.ResponseWriter) {
	base := util.NormalizeURL(d.config.ServerURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             d.config.ServerName,
		"version":          d.config.ServerVersion,
		"protocol":         ProtocolVersion,
		"transport":        "http",
		"endpoint":         base + "/",
		"authorization":    base + "/.well-known/oauth-authorization-server",
		"registration":     base + "/oauth/register",
		"health":           base + "/health",
		"tools_advertised": len(tools.Catalog()),
	})
}

// ==================== Push channel ====================

func (d *Dispatcher) servePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creds, err := d.resolver.Resolve(ctx, r)
	if err != nil {
		var unauthorized *authn.UnauthorizedError
		if !errors.As(err, &unauthorized) || authn.BearerToken(r) != "" || authn.IsDiscoveryOnly(r) {
			d.writeResolveError(w, nil, err)
			return
		}
		// An anonymous stream stays open, but the catalog is never
		// broadcast to a caller without usable credentials.
		creds = nil
	}
	announce := creds != nil && creds.Host != "" && creds.Token != ""

	ch := newPushChannel(w, r.Header.Get(authn.HeaderSessionID))
	if ch == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	event := map[string]any{"type": "connection", "status": "connected"}
	if ch.sessionID != "" {
		event["sessionId"] = ch.sessionID
	}
	if err := ch.send(event); err != nil {
		return
	}

	d.runPushLoop(ctx, ch, announce)
}

// runPushLoop announces the catalog and keeps the stream alive until the
// client goes away. One goroutine owns the loop; the channel mutex guards
// against any concurrent sender. When announce is false only heartbeats go
// out. One-shot events are deduped per session id so a retried connection
// for the same logical session does not re-receive the catalog; the marker
// clears on disconnect, allowing a fresh push on reconnect.
func (d *Dispatcher) runPushLoop(ctx context.Context, ch *pushChannel, announce bool) {
	if d.inst != nil {
		d.inst.Metrics().PushChannelsActive.Add(ctx, 1)
		defer d.inst.Metrics().PushChannelsActive.Add(context.WithoutCancel(ctx), -1)
	}
	defer ch.close()
	if ch.sessionID != "" {
		defer d.pushes.clear(ch.sessionID)
	}

	sent := make(map[string]bool)
	first := func(name string) bool {
		if ch.sessionID != "" {
			return d.pushes.mark(ch.sessionID, name)
		}
		if sent[name] {
			return false
		}
		sent[name] = true
		return true
	}

	if announce && first("tools/list_changed") {
		err := ch.send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/tools/list_changed",
		})
		if err != nil {
			return
		}
	}

	catalogTimer := time.NewTimer(d.config.CatalogPushDelay)
	defer catalogTimer.Stop()
	heartbeat := time.NewTicker(d.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-catalogTimer.C:
			if !announce || !first("tools/list") {
				continue
			}
			err := ch.send(map[string]any{
				"jsonrpc": "2.0",
				"method":  "tools/list",
				"params":  ToolsListResult{Tools: tools.Catalog()},
			})
			if err != nil {
				return
			}
		case <-heartbeat.C:
			if err := ch.heartbeat(); err != nil {
				return
			}
		}
	}
}

// ==================== JSON-RPC dispatch ====================

func (d *Dispatcher) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeResponse(w, NewErrorResponse(nil, CodeInternalError, "reading request failed", nil))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, NewErrorResponse(nil, CodeParseError, "parse error", nil))
		return
	}

	if d.inst != nil {
		d.inst.Metrics().RPCRequests.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String("method", req.Method)))
	}
	d.logger.Debug("RPC request", "method", req.Method, "session_id", r.Header.Get(authn.HeaderSessionID))

	switch req.Method {
	case "initialize":
		d.handleInitialize(w, r, &req)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "ping":
		writeResponse(w, NewResponse(req.ID, map[string]any{}))
	case "tools/list":
		writeResponse(w, NewResponse(req.ID, ToolsListResult{Tools: tools.Catalog()}))
	case "tools/call":
		d.handleToolCall(w, r, &req)
	default:
		if req.Notification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResponse(w, NewErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil))
	}
}

// handleInitialize resolves the RPC session for the handshake. A presented
// session id that is still known is reused as-is; otherwise a fresh session
// is created and linked to an admin session: the bearer token's own link
// wins, then the most recent linkable login, then the session starts
// unlinked.
func (d *Dispatcher) handleInitialize(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	creds, err := d.resolver.Resolve(ctx, r)
	if err != nil {
		var unauthorized *authn.UnauthorizedError
		if !errors.As(err, &unauthorized) || authn.BearerToken(r) != "" || authn.IsDiscoveryOnly(r) {
			d.writeResolveError(w, req.ID, err)
			return
		}
		// Nothing to authenticate with: the handshake still succeeds and
		// the session starts unlinked.
		creds = &authn.Credentials{}
	}

	var session *storage.RPCSession
	if presented := r.Header.Get(authn.HeaderSessionID); presented != "" {
		if existing, err := d.rpcSessions.GetRPCSession(ctx, presented); err == nil {
			session = existing
		}
	}

	if session == nil {
		ref, via := creds.AdminSessionRef, "bearer"
		if ref == "" {
			if latest, err := d.adminSessions.LatestAdminSession(ctx); err == nil {
				ref, via = latest.Token, "latest_login"
			}
		}

		session = &storage.RPCSession{
			ID:              uuid.NewString(),
			Authenticated:   ref != "",
			AdminSessionRef: ref,
			CreatedAt:       d.clock(),
		}
		if err := d.rpcSessions.SaveRPCSession(ctx, session); err != nil {
			writeResponse(w, NewErrorResponse(req.ID, CodeInternalError, "creating session failed", nil))
			return
		}

		d.logger.Info("Session initialized",
			"session_id", session.ID,
			"linked", session.Authenticated,
			"via", via)
		if session.Authenticated && d.auditor != nil {
			d.auditor.LogSessionLinked(session.ID, ref, via)
		}
	}

	w.Header().Set(authn.HeaderSessionID, session.ID)
	resp := NewResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: ToolsCapability{ListChanged: true}},
		ServerInfo:      ServerInfo{Name: d.config.ServerName, Version: d.config.ServerVersion},
	})

	// Clients that initialize with an event-stream accept expect the
	// response as the first frame of a push channel that then stays open.
	if acceptsEventStream(r) {
		announce := (creds.Host != "" && creds.Token != "") || session.Authenticated
		ch := newPushChannel(w, session.ID)
		if ch == nil {
			writeResponse(w, resp)
			return
		}
		w.WriteHeader(http.StatusOK)
		if err := ch.send(resp); err != nil {
			return
		}
		d.runPushLoop(ctx, ch, announce)
		return
	}

	writeResponse(w, resp)
}

// handleToolCall executes a tool against the request's resolved
// credentials. Tool failures come back inside a successful envelope so one
// broken call never tears down the client's session.
func (d *Dispatcher) handleToolCall(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeResponse(w, NewErrorResponse(req.ID, CodeInvalidParams, "invalid tools/call params", nil))
			return
		}
	}
	if params.Name == "" {
		writeResponse(w, NewErrorResponse(req.ID, CodeInvalidParams, "tool name is required", nil))
		return
	}

	creds, err := d.resolver.Resolve(ctx, r)
	if err != nil {
		d.writeResolveError(w, req.ID, err)
		return
	}

	result, err := d.executor.Execute(ctx, tools.Connection{Host: creds.Host, Token: creds.Token}, params.Name, params.Arguments)
	if err != nil {
		writeResponse(w, NewResponse(req.ID, ErrorResult(err.Error())))
		return
	}
	writeResponse(w, NewResponse(req.ID, TextResult(result)))
}

// writeResolveError maps credential resolution failures to JSON-RPC
// errors. Unauthorized responses carry the OAuth endpoints so clients can
// self-serve the flow.
func (d *Dispatcher) writeResolveError(w http.ResponseWriter, id json.RawMessage, err error) {
	var unauthorized *authn.UnauthorizedError
	switch {
	case errors.As(err, &unauthorized):
		writeJSON(w, http.StatusUnauthorized,
			NewErrorResponse(id, CodeUnauthorized, "authentication required", unauthorized))
	case errors.Is(err, authn.ErrSessionExpired):
		writeJSON(w, http.StatusUnauthorized,
			NewErrorResponse(id, CodeUnauthorized, err.Error(), nil))
	default:
		d.logger.Error("Credential resolution failed", "error", err)
		writeResponse(w, NewErrorResponse(id, CodeInternalError, "internal error", nil))
	}
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
