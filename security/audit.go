package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Token values
// and downstream secrets are hashed before they reach the log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ClientID  string
	SessionID string
	IPAddress string
	Details   map[string]any
}

// LogEvent logs a security event with hashed session identifiers
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"session_hash", hashForLogging(event.SessionID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogClientRegistered logs a dynamic client registration
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{Type: "client_registered", ClientID: clientID, IPAddress: ipAddress})
}

// LogLoginSuccess logs a successful admin login
func (a *Auditor) LogLoginSuccess(sessionToken, ipAddress string) {
	a.LogEvent(Event{Type: "admin_login_success", SessionID: sessionToken, IPAddress: ipAddress})
}

// LogLoginFailure logs a failed admin login with its failure class
func (a *Auditor) LogLoginFailure(ipAddress, reason string) {
	a.LogEvent(Event{Type: "admin_login_failure", IPAddress: ipAddress,
		Details: map[string]any{"reason": reason}})
}

// LogTokenIssued logs access token issuance
func (a *Auditor) LogTokenIssued(clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{Type: "token_issued", ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"grant_type": grantType, "scope": scope}})
}

// LogGrantRejected logs a rejected token grant
func (a *Auditor) LogGrantRejected(clientID, ipAddress, errorCode string) {
	a.LogEvent(Event{Type: "grant_rejected", ClientID: clientID, IPAddress: ipAddress,
		Details: map[string]any{"error": errorCode}})
}

// LogRateLimitExceeded logs a rate-limited request
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{Type: "rate_limit_exceeded", IPAddress: ipAddress,
		Details: map[string]any{"endpoint": endpoint}})
}

// LogSessionLinked logs an RPC session being linked to an admin session
func (a *Auditor) LogSessionLinked(rpcSessionID, adminToken, via string) {
	a.LogEvent(Event{Type: "session_linked", SessionID: adminToken,
		Details: map[string]any{"rpc_session": rpcSessionID, "via": via}})
}

// hashForLogging returns a short SHA-256 digest of a sensitive value, or
// empty for empty input.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
