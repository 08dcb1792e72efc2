package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"

	"github.com/google/uuid"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is offered when the client asks for one we don't know.
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCP-specific types

type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// approvalArguments are what the agent passes to the approval tool.
type approvalArguments struct {
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

var approvalTool = MCPToolInfo{
	Name:        protocol.ApprovalToolName,
	Description: "Ask the human operator to approve or deny a tool call.",
	InputSchema: json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string"},"input":{"type":"object"},"tool_use_id":{"type":"string"}},"required":["tool_name","input"]}`),
}

// Approver decides tool calls; *Bridge is the production implementation.
type Approver interface {
	RequestApproval(ctx context.Context, sessionID, toolName string, input json.RawMessage, toolUseID string) (Verdict, error)
}

// mcpSession is one MCP client connection, bound to the agent session named
// in the endpoint path.
type mcpSession struct {
	id              string
	agentSessionID  string
	protocolVersion string
	createdAt       time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(agentSessionID, protocolVersion string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		agentSessionID:  agentSessionID,
		protocolVersion: protocolVersion,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// forgetAgent drops every MCP session bound to agentSessionID.
func (s *sessionStore) forgetAgent(agentSessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.agentSessionID == agentSessionID {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Server is the MCP Streamable HTTP endpoint the agent calls for approvals.
type Server struct {
	approver Approver
	logger   *slog.Logger
	sessions *sessionStore
}

// NewServer creates the MCP endpoint in front of an Approver.
func NewServer(approver Approver, logger *slog.Logger) (*Server, error) {
	if approver == nil {
		return nil, errors.New("approver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		approver: approver,
		logger:   logger,
		sessions: newSessionStore(),
	}, nil
}

// RegisterRoutes mounts the endpoint at /mcp/{sessionId}.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp/{sessionId}", s.handleMCP)
}

// ForgetSession drops the MCP sessions of an agent session that has ended.
// Agents usually exit without sending DELETE.
func (s *Server) ForgetSession(agentSessionID string) {
	if n := s.sessions.forgetAgent(agentSessionID); n > 0 {
		s.logger.Debug("MCP sessions dropped", "session_id", agentSessionID, "count", n)
	}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated SSE streams.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete ends an MCP session. Only the agent session that created it
// may end it.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	mcpSessionID := r.Header.Get("Mcp-Session-Id")
	if mcpSessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(mcpSessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.agentSessionID != r.PathValue("sessionId") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(mcpSessionID)
	s.logger.Info("MCP session terminated", "mcp_session_id", mcpSessionID, "session_id", sess.agentSessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	agentSessionID := r.PathValue("sessionId")
	mcpSessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if mcpSessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(mcpSessionID)
		if !ok {
			// Expired or unknown; the client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if sess.agentSessionID != agentSessionID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", agentSessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, agentSessionID)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.sendJSONRPCResult(w, req.ID, MCPListToolsResult{Tools: []MCPToolInfo{approvalTool}})
	case "tools/call":
		s.handleToolsCall(w, r, req, agentSessionID)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest, agentSessionID string) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := s.sessions.create(agentSessionID, version)
	s.logger.Info("MCP session created",
		"mcp_session_id", sess.id,
		"session_id", agentSessionID,
		"protocol_version", version,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendJSONRPCResult(w, req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "agent-bridge",
			"version": "1.0.0",
		},
	})
}

// handleToolsCall blocks until the approver returns a verdict, then hands it
// back as the tool's text content.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, agentSessionID string) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}
	if params.Name != protocol.ApprovalToolName {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool not found", nil)
		return
	}

	var args approvalArguments
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid arguments", nil)
			return
		}
	}
	if string(args.Input) == "null" {
		args.Input = nil
	}

	verdict, err := s.approver.RequestApproval(r.Context(), agentSessionID, args.ToolName, args.Input, args.ToolUseID)
	if err != nil {
		s.handleToolError(w, req.ID, args.ToolName, agentSessionID, err)
		return
	}

	text, err := json.Marshal(verdict)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "encode verdict", nil)
		return
	}

	s.logger.Debug("approval verdict delivered",
		"session_id", agentSessionID,
		"tool_name", args.ToolName,
		"behavior", verdict.Behavior,
	)
	s.sendJSONRPCResult(w, req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(text)}},
	})
}

func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName, sessionID string, err error) {
	s.logger.Warn("approval request failed",
		"tool_name", toolName,
		"session_id", sessionID,
		"error", err,
	)

	code := JSONRPCInternalError
	message := "approval request failed"
	if errors.Is(err, permission.ErrInvalidToolName) {
		code = JSONRPCInvalidParams
		message = "tool_name is required"
	}
	s.sendJSONRPCError(w, id, code, message, nil)
}

func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
