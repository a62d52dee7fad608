package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rightapi/ha-mcp-bridge/homeassistant"
)

func newTestExecutor(t *testing.T, ha http.Handler) (*Executor, Connection) {
	t.Helper()
	server := httptest.NewServer(ha)
	t.Cleanup(server.Close)

	executor, err := NewExecutor(homeassistant.New(), nil, nil)
	require.NoError(t, err)
	return executor, Connection{Host: server.URL, Token: "test-token"}
}

func TestCatalogShape(t *testing.T) {
	catalog := Catalog()
	require.Len(t, catalog, 5)

	seen := map[string]bool{}
	for _, def := range catalog {
		assert.NotEmpty(t, def.Name)
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.InputSchema["type"])
		seen[def.Name] = true
	}
	for _, name := range []string{"get_entities", "get_entity_state", "call_service", "get_services", "get_history"} {
		assert.True(t, seen[name], "missing tool %s", name)
	}
}

func TestGetEntitiesFiltersByDomain(t *testing.T) {
	ha := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/states", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"entity_id":"light.kitchen","state":"on","attributes":{"friendly_name":"Kitchen"}},
			{"entity_id":"switch.fan","state":"off","attributes":{}}
		]`))
	})
	executor, conn := newTestExecutor(t, ha)

	out, err := executor.Execute(context.Background(), conn, "get_entities", map[string]any{"domain": "light"})
	require.NoError(t, err)

	var entities []entitySummary
	require.NoError(t, json.Unmarshal([]byte(out), &entities))
	require.Len(t, entities, 1)
	assert.Equal(t, "light.kitchen", entities[0].EntityID)
	assert.Equal(t, "Kitchen", entities[0].FriendlyName)
}

func TestGetEntityStateRequiresID(t *testing.T) {
	executor, conn := newTestExecutor(t, http.NotFoundHandler())

	_, err := executor.Execute(context.Background(), conn, "get_entity_state", nil)
	assert.ErrorContains(t, err, "entity_id")
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ha := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`[]`))
	})
	executor, conn := newTestExecutor(t, ha)

	_, err := executor.Execute(context.Background(), conn, "call_service", map[string]any{
		"domain":       "light",
		"service":      "turn_on",
		"service_data": map[string]any{"entity_id": "light.kitchen"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/services/light/turn_on", gotPath)
	assert.Equal(t, "light.kitchen", gotBody["entity_id"])
}

func TestCallServiceRequiresDomainAndService(t *testing.T) {
	executor, conn := newTestExecutor(t, http.NotFoundHandler())

	_, err := executor.Execute(context.Background(), conn, "call_service", map[string]any{"domain": "light"})
	assert.ErrorContains(t, err, "domain and service")
}

func TestGetHistoryBuildsQuery(t *testing.T) {
	var gotURL string
	ha := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`[[]]`))
	})
	executor, conn := newTestExecutor(t, ha)

	_, err := executor.Execute(context.Background(), conn, "get_history", map[string]any{
		"entity_id": "sensor.temperature",
		"hours":     2.0,
	})
	require.NoError(t, err)
	assert.Contains(t, gotURL, "/api/history/period/")
	assert.Contains(t, gotURL, "filter_entity_id=sensor.temperature")
}

func TestUnknownTool(t *testing.T) {
	executor, conn := newTestExecutor(t, http.NotFoundHandler())

	_, err := executor.Execute(context.Background(), conn, "reboot_router", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecuteWithoutConnection(t *testing.T) {
	executor, err := NewExecutor(homeassistant.New(), nil, nil)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), Connection{}, "get_entities", nil)
	assert.ErrorContains(t, err, "no Home Assistant connection")
}

func TestDownstreamErrorSurfaces(t *testing.T) {
	ha := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	executor, conn := newTestExecutor(t, ha)

	_, err := executor.Execute(context.Background(), conn, "get_services", nil)
	require.Error(t, err)

	var statusErr *homeassistant.StatusError
	assert.True(t, errors.As(err, &statusErr))
}
