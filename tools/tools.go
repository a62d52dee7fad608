// Package tools defines the Home Assistant tool catalog exposed over MCP
// and executes tool calls against a resolved Home Assistant connection.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rightapi/ha-mcp-bridge/homeassistant"
	"github.com/rightapi/ha-mcp-bridge/instrumentation"
)

// Definition describes one tool in the catalog, in the shape tools/list
// returns.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Catalog returns the tool definitions. The slice is rebuilt per call so
// callers may not mutate shared state through it.
func Catalog() []Definition {
	return []Definition{
		{
			Name:        "get_entities",
			Description: "List Home Assistant entities and their current states, optionally filtered by domain (e.g. light, switch, sensor).",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "Only return entities in this domain",
					},
				},
			},
		},
		{
			Name:        "get_entity_state",
			Description: "Get the full state object of a single entity, including its attributes.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity_id": map[string]any{
						"type":        "string",
						"description": "Entity identifier, e.g. light.kitchen",
					},
				},
				"required": []string{"entity_id"},
			},
		},
		{
			Name:        "call_service",
			Description: "Call a Home Assistant service, e.g. turn a light on or set a thermostat.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"domain": map[string]any{
						"type":        "string",
						"description": "Service domain, e.g. light",
					},
					"service": map[string]any{
						"type":        "string",
						"description": "Service name, e.g. turn_on",
					},
					"service_data": map[string]any{
						"type":        "object",
						"description": "Service payload, usually including entity_id",
					},
				},
				"required": []string{"domain", "service"},
			},
		},
		{
			Name:        "get_services",
			Description: "List the services available on the Home Assistant instance, grouped by domain.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "get_history",
			Description: "Fetch recent state history for an entity.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entity_id": map[string]any{
						"type":        "string",
						"description": "Entity identifier, e.g. sensor.temperature",
					},
					"hours": map[string]any{
						"type":        "number",
						"description": "How many hours back to fetch (default 24)",
					},
				},
				"required": []string{"entity_id"},
			},
		},
	}
}

// ErrUnknownTool is returned for tool names outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Connection is the resolved Home Assistant endpoint a call executes
// against.
type Connection struct {
	Host  string
	Token string
}

// Executor runs tool calls against Home Assistant.
type Executor struct {
	ha     *homeassistant.Client
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// NewExecutor creates an Executor. inst may be nil.
func NewExecutor(ha *homeassistant.Client, logger *slog.Logger, inst *instrumentation.Instrumentation) (*Executor, error) {
	if ha == nil {
		return nil, errors.New("home assistant client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ha: ha, logger: logger, inst: inst}, nil
}

// Execute runs one tool call and returns its textual result. An error
// return is a tool-level failure: callers report it inside a successful
// response envelope, not as a protocol error.
func (e *Executor) Execute(ctx context.Context, conn Connection, name string, args map[string]any) (string, error) {
	if conn.Host == "" || conn.Token == "" {
		return "", errors.New("no Home Assistant connection available, authenticate first")
	}

	start := time.Now()
	result, err := e.dispatch(ctx, conn, name, args)

	if e.inst != nil {
		attrs := metric.WithAttributes(
			attribute.String("tool", name),
			attribute.Bool("error", err != nil),
		)
		e.inst.Metrics().ToolCalls.Add(ctx, 1, attrs)
		e.inst.Metrics().ToolCallDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
	if err != nil {
		e.logger.Warn("Tool call failed", "tool", name, "error", err)
		return "", err
	}
	return result, nil
}

func (e *Executor) dispatch(ctx context.Context, conn Connection, name string, args map[string]any) (string, error) {
	switch name {
	case "get_entities":
		return e.getEntities(ctx, conn, args)
	case "get_entity_state":
		return e.getEntityState(ctx, conn, args)
	case "call_service":
		return e.callService(ctx, conn, args)
	case "get_services":
		return e.getServices(ctx, conn)
	case "get_history":
		return e.getHistory(ctx, conn, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// entitySummary is the trimmed view get_entities returns. Full attribute
// maps for hundreds of entities would swamp the model context.
type entitySummary struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

func (e *Executor) getEntities(ctx context.Context, conn Connection, args map[string]any) (string, error) {
	body, err := e.ha.Get(ctx, conn.Host, conn.Token, "/api/states")
	if err != nil {
		return "", err
	}

	var states []struct {
		EntityID   string         `json:"entity_id"`
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	}
	if err := json.Unmarshal(body, &states); err != nil {
		return "", fmt.Errorf("decoding states: %w", err)
	}

	domain := stringArg(args, "domain")
	summaries := make([]entitySummary, 0, len(states))
	for _, st := range states {
		if domain != "" && !strings.HasPrefix(st.EntityID, domain+".") {
			continue
		}
		summary := entitySummary{EntityID: st.EntityID, State: st.State}
		if name, ok := st.Attributes["friendly_name"].(string); ok {
			summary.FriendlyName = name
		}
		summaries = append(summaries, summary)
	}
	return marshalResult(summaries)
}

func (e *Executor) getEntityState(ctx context.Context, conn Connection, args map[string]any) (string, error) {
	entityID := stringArg(args, "entity_id")
	if entityID == "" {
		return "", errors.New("entity_id is required")
	}
	body, err := e.ha.Get(ctx, conn.Host, conn.Token, "/api/states/"+url.PathEscape(entityID))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (e *Executor) callService(ctx context.Context, conn Connection, args map[string]any) (string, error) {
	domain := stringArg(args, "domain")
	service := stringArg(args, "service")
	if domain == "" || service == "" {
		return "", errors.New("domain and service are required")
	}

	payload, _ := args["service_data"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	body, err := e.ha.Post(ctx, conn.Host, conn.Token, path, payload)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return fmt.Sprintf("Service %s.%s called.", domain, service), nil
	}
	return string(body), nil
}

func (e *Executor) getServices(ctx context.Context, conn Connection) (string, error) {
	body, err := e.ha.Get(ctx, conn.Host, conn.Token, "/api/services")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (e *Executor) getHistory(ctx context.Context, conn Connection, args map[string]any) (string, error) {
	entityID := stringArg(args, "entity_id")
	if entityID == "" {
		return "", errors.New("entity_id is required")
	}

	hours := 24.0
	if h, ok := args["hours"].(float64); ok && h > 0 {
		hours = h
	}
	since := time.Now().Add(-time.Duration(hours * float64(time.Hour))).UTC()

	path := "/api/history/period/" + since.Format(time.RFC3339) +
		"?filter_entity_id=" + url.QueryEscape(entityID)
	body, err := e.ha.Get(ctx, conn.Host, conn.Token, path)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(out), nil
}
