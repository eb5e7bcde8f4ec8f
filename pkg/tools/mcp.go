package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	agentd "github.com/tinkerbay/agentd"
	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// mcpSSETimeout bounds how long a single JSON-RPC response may take to
	// arrive over an SSE body.
	mcpSSETimeout = 5 * time.Minute
)

// MCPSource exposes the tools of one MCP server. Stdio servers ride on the
// mcp-go client; HTTP servers go through the retrying httpclient with
// JSON-RPC framing.
type MCPSource struct {
	cfg config.MCPServer

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	sessionMu  sync.RWMutex
	tools      []Tool
}

func NewMCPSource(cfg config.MCPServer) *MCPSource {
	return &MCPSource{cfg: cfg}
}

func (s *MCPSource) GetName() string {
	return s.cfg.Name
}

func (s *MCPSource) ListTools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// DiscoverTools connects to the server and builds the wrapped tool list.
func (s *MCPSource) DiscoverTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Command != "" {
		return s.discoverStdio(ctx)
	}
	return s.discoverHTTP(ctx)
}

func (s *MCPSource) discoverStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentd", Version: agentd.Version}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []Tool
	for _, discovered := range listResp.Tools {
		tools = append(tools, &mcpTool{
			source: s,
			name:   discovered.Name,
			desc:   discovered.Description,
			schema: schemaToMap(discovered.InputSchema),
			stdio:  true,
		})
	}

	s.stdio = mcpClient
	s.tools = tools

	slog.Info("Connected to MCP server (stdio)",
		"name", s.cfg.Name,
		"command", s.cfg.Command,
		"tools", len(tools),
	)
	return nil
}

func (s *MCPSource) discoverHTTP(ctx context.Context) error {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]interface{}{"name": "agentd", "version": agentd.Version},
		"capabilities":    map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]interface{})
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []Tool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})

		tools = append(tools, &mcpTool{
			source: s,
			name:   name,
			desc:   desc,
			schema: schema,
		})
	}

	s.tools = tools

	slog.Info("Connected to MCP server (HTTP)",
		"name", s.cfg.Name,
		"url", s.cfg.URL,
		"tools", len(tools),
	)
	return nil
}

func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = nil
	s.httpClient = nil
	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over HTTP. Streamable-http servers answer
// either with plain JSON or with an SSE body carrying the response; both are
// handled, and the mcp-session-id header is threaded through subsequent
// calls.
func (s *MCPSource) rpc(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse extracts the first complete JSON-RPC response from an SSE
// body.
func readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				return &resp
			}
			data.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			text := strings.TrimSpace(string(line))
			if text == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(text, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(mcpSSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", mcpSSETimeout)
	}
}

// mcpTool adapts one discovered MCP tool to the Tool interface.
type mcpTool struct {
	source *MCPSource
	name   string
	desc   string
	schema map[string]interface{}
	stdio  bool
}

func (t *mcpTool) GetName() string        { return t.name }
func (t *mcpTool) GetDescription() string { return t.desc }

func (t *mcpTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.desc,
		RawSchema:   t.schema,
	}
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	if t.stdio {
		return t.executeStdio(ctx, args)
	}
	return t.executeHTTP(ctx, args)
}

func (t *mcpTool) executeStdio(ctx context.Context, args map[string]interface{}) (Result, error) {
	t.source.mu.Lock()
	mcpClient := t.source.stdio
	t.source.mu.Unlock()
	if mcpClient == nil {
		return Result{}, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError && text == "" {
		text = "unknown error"
	}
	return Result{Content: text, IsError: resp.IsError}, nil
}

func (t *mcpTool) executeHTTP(ctx context.Context, args map[string]interface{}) (Result, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return Result{Content: resp.Error.Message, IsError: true}, nil
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return Result{Content: string(data)}, nil
	}

	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, c := range content {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	text := strings.Join(texts, "\n")
	if isError && text == "" {
		text = "unknown error"
	}
	return Result{Content: text, IsError: isError}, nil
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
