package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the bridge
type Metrics struct {
	// OAuth flow
	ClientsRegistered metric.Int64Counter
	CodesIssued       metric.Int64Counter
	TokensIssued      metric.Int64Counter
	GrantFailures     metric.Int64Counter

	// Vault login
	LoginAttempts      metric.Int64Counter
	DownstreamProbes   metric.Int64Counter
	DownstreamFailures metric.Int64Counter

	// Transport
	RPCRequests        metric.Int64Counter
	ToolCalls          metric.Int64Counter
	ToolCallDuration   metric.Float64Histogram
	PushChannelsActive metric.Int64UpDownCounter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Persistence
	SnapshotsWritten metric.Int64Counter
	SnapshotFailures metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	oauthMeter := inst.Meter("oauth")
	vaultMeter := inst.Meter("vault")
	mcpMeter := inst.Meter("mcp")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error

	m.ClientsRegistered, err = oauthMeter.Int64Counter(
		"bridge.oauth.clients.registered",
		metric.WithDescription("Number of dynamically registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients.registered counter: %w", err)
	}

	m.CodesIssued, err = oauthMeter.Int64Counter(
		"bridge.oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.TokensIssued, err = oauthMeter.Int64Counter(
		"bridge.oauth.tokens.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.GrantFailures, err = oauthMeter.Int64Counter(
		"bridge.oauth.grant.failures",
		metric.WithDescription("Number of failed token grants by error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.failures counter: %w", err)
	}

	m.LoginAttempts, err = vaultMeter.Int64Counter(
		"bridge.vault.login.attempts",
		metric.WithDescription("Number of admin login attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.attempts counter: %w", err)
	}

	m.DownstreamProbes, err = vaultMeter.Int64Counter(
		"bridge.vault.downstream.probes",
		metric.WithDescription("Number of live downstream validation probes"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create downstream.probes counter: %w", err)
	}

	m.DownstreamFailures, err = vaultMeter.Int64Counter(
		"bridge.vault.downstream.failures",
		metric.WithDescription("Number of failed downstream validation probes"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create downstream.failures counter: %w", err)
	}

	m.RPCRequests, err = mcpMeter.Int64Counter(
		"bridge.mcp.rpc.requests",
		metric.WithDescription("Number of RPC envelopes dispatched by method"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc.requests counter: %w", err)
	}

	m.ToolCalls, err = mcpMeter.Int64Counter(
		"bridge.mcp.tool.calls",
		metric.WithDescription("Number of tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool.calls counter: %w", err)
	}

	m.ToolCallDuration, err = mcpMeter.Float64Histogram(
		"bridge.mcp.tool.duration",
		metric.WithDescription("Tool invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool.duration histogram: %w", err)
	}

	m.PushChannelsActive, err = mcpMeter.Int64UpDownCounter(
		"bridge.mcp.push.active",
		metric.WithDescription("Number of currently open push channels"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push.active counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"bridge.security.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"bridge.security.pkce.failed",
		metric.WithDescription("Number of failed PKCE verifications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.failed counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"bridge.storage.operations",
		metric.WithDescription("Number of storage operations by type"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"bridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.SnapshotsWritten, err = storageMeter.Int64Counter(
		"bridge.storage.snapshots.written",
		metric.WithDescription("Number of state snapshots written to disk"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots.written counter: %w", err)
	}

	m.SnapshotFailures, err = storageMeter.Int64Counter(
		"bridge.storage.snapshots.failures",
		metric.WithDescription("Number of failed state snapshot writes"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshots.failures counter: %w", err)
	}

	return m, nil
}
