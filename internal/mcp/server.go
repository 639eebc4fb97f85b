// Package mcp exposes the refinement loop over the Model Context Protocol
// on stdin/stdout, using JSON-RPC 2.0 framing.
package mcp

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"promptloop/internal/agent"
	"promptloop/internal/config"
	"promptloop/internal/metrics"
	"promptloop/internal/refine"
)

// Server represents an MCP server.
type Server struct {
	cfg       config.Config
	generator agent.Agent
	critic    agent.Agent
	storage   *refine.Storage
	outputDB  *sql.DB
	histogram *metrics.Histogram
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a new MCP server over the given agents and databases.
func NewServer(cfg config.Config, generator, critic agent.Agent, lifecycleDB, outputDB *sql.DB) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:       cfg,
		generator: generator,
		critic:    critic,
		storage:   refine.NewStorage(lifecycleDB, outputDB),
		outputDB:  outputDB,
		histogram: metrics.NewHistogram(outputDB),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Serve starts the MCP server on stdin/stdout.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	// Tasks and transcripts can exceed the default 64KB token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(stdout, nil, -32700, "Parse error", err.Error())
			continue
		}

		response := s.handleRequest(&req)

		responseJSON, err := json.Marshal(response)
		if err != nil {
			log.Printf("Failed to marshal response: %v", err)
			continue
		}

		fmt.Fprintln(stdout, string(responseJSON))
	}

	return scanner.Err()
}

// handleRequest routes requests to appropriate handlers.
func (s *Server) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolCall(req)
	default:
		return s.errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "promptloop",
				"version": "1.0.0",
			},
		},
	}
}

// handleToolsList handles tools/list request. Progressive disclosure: one
// tool, action-dispatched.
func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	tools := []map[string]interface{}{
		{
			"name":        "promptloop",
			"description": "Adversarial prompt refinement: a generator drafts prompts and a critic reviews them until acceptance or the round budget runs out",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type": "string",
						"enum": []string{
							"refine", "get_run", "list_runs",
							"list_actions", "get_schema", "get_stats",
						},
						"description": "Action to perform. Use 'list_actions' to see all available actions with descriptions.",
					},
					"params": map[string]interface{}{
						"type":        "object",
						"description": "Action-specific parameters. Use 'get_schema' action to see schema for specific action.",
					},
				},
				"required": []string{"action", "params"},
			},
		},
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}
}

// handleToolCall handles tools/call request.
func (s *Server) handleToolCall(req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	if params.Name != "promptloop" {
		return s.errorResponse(req.ID, -32602, "Unknown tool", params.Name)
	}

	action, ok := params.Arguments["action"].(string)
	if !ok {
		return s.errorResponse(req.ID, -32602, "Missing action parameter", nil)
	}

	actionParams, ok := params.Arguments["params"].(map[string]interface{})
	if !ok {
		actionParams = make(map[string]interface{})
	}

	result, err := s.dispatchAction(action, actionParams)
	if err != nil {
		return s.errorResponse(req.ID, -32000, "Action failed", err.Error())
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return s.errorResponse(req.ID, -32000, "Action failed", err.Error())
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(resultJSON),
				},
			},
		},
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return nil
}

// sendError sends an error response.
func (s *Server) sendError(stdout io.Writer, id interface{}, code int, message, data string) {
	response := s.errorResponse(id, code, message, data)
	responseJSON, _ := json.Marshal(response)
	fmt.Fprintln(stdout, string(responseJSON))
}

// errorResponse creates an error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
