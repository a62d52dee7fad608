// Package mcp implements the Model Context Protocol endpoint: JSON-RPC 2.0
// dispatch over HTTP POST and a server-push event stream over GET.
package mcp

import (
	"encoding/json"

	"github.com/rightapi/ha-mcp-bridge/tools"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes, plus the server-specific unauthorized code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeUnauthorized is returned when a request needs credentials it
	// does not have. The error data carries the OAuth endpoints.
	CodeUnauthorized = -32001
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewResponse builds a success response for id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Error: &Error{Code: code, Message: message, Data: data}}
}

// normalizeID maps an absent id to an explicit null, as required for
// responses that cannot be correlated (e.g. parse errors).
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// InitializeResult is the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// Capabilities advertises what the server supports.
type Capabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools []tools.Definition `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentItem is one piece of tool result content.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the result of tools/call. Tool-level failures are reported
// here with IsError set, inside a successful JSON-RPC response.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult wraps text in a tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// ErrorResult wraps a tool failure message in a tool result.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentItem{{Type: "text", Text: text}}, IsError: true}
}
