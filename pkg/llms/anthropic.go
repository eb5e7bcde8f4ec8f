package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/httpclient"
	"github.com/tinkerbay/agentd/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

type AnthropicProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicProvider(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		config:  cfg,
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) StreamTurn(ctx context.Context, turn TurnRequest) (<-chan StreamEvent, error) {
	request := p.buildRequest(turn, true)

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)
		if err := p.streamRequest(ctx, request, events); err != nil {
			events <- StreamEvent{Type: EventError, Err: err}
		}
	}()

	return events, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	request := anthropicRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		System:    system,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContent{{Type: "text", Text: prompt}}},
		},
	}
	if p.config.Temperature != nil {
		request.Temperature = *p.config.Temperature
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	var text string
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	return text, nil
}

// buildRequest converts the transcript into the alternating-role message list
// Anthropic expects. Tool calls become assistant tool_use blocks, tool
// results become user tool_result blocks; consecutive same-role items merge
// into one message. System notices stay server-side.
func (p *AnthropicProvider) buildRequest(turn TurnRequest, stream bool) anthropicRequest {
	var messages []anthropicMessage

	appendBlock := func(role string, block anthropicContent) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			return
		}
		messages = append(messages, anthropicMessage{Role: role, Content: []anthropicContent{block}})
	}

	for i := range turn.Items {
		item := &turn.Items[i]
		switch item.Type {
		case protocol.ItemTypeUserMessage:
			appendBlock("user", anthropicContent{Type: "text", Text: item.TextContent()})

		case protocol.ItemTypeAssistantMessage:
			if text := item.TextContent(); text != "" {
				appendBlock("assistant", anthropicContent{Type: "text", Text: text})
			}

		case protocol.ItemTypeToolCall:
			input := item.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			appendBlock("assistant", anthropicContent{
				Type:  "tool_use",
				ID:    item.CallID,
				Name:  item.Name,
				Input: input,
			})

		case protocol.ItemTypeToolResult:
			appendBlock("user", anthropicContent{
				Type:      "tool_result",
				ToolUseID: item.CallID,
				Content:   item.Output,
				IsError:   item.IsError,
			})
		}
	}

	request := anthropicRequest{
		Model:     p.config.Model,
		Messages:  messages,
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
		System:    turn.System,
	}
	if p.config.Temperature != nil {
		request.Temperature = *p.config.Temperature
	}

	if len(turn.Tools) > 0 {
		tools := make([]anthropicTool, len(turn.Tools))
		for i, tool := range turn.Tools {
			tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.Tools = tools
	}
	return request
}

func (p *AnthropicProvider) newRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *AnthropicProvider) streamRequest(ctx context.Context, request anthropicRequest, events chan<- StreamEvent) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)
	var responseID string
	var stopReason string
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(jsonData), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, jsonData)
		}

		switch streamResp.Type {
		case "message_start":
			if streamResp.Message != nil {
				responseID = streamResp.Message.ID
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:   streamResp.ContentBlock.ID,
					Name: streamResp.ContentBlock.Name,
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta != nil {
				if streamResp.Delta.Text != "" {
					events <- StreamEvent{Type: EventText, Text: streamResp.Delta.Text}
				}
				if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
					toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, exists := toolCalls[streamResp.Index]; exists {
				args := toolJSONBuffers[streamResp.Index]
				if args == "" {
					args = "{}"
				}
				tc.Arguments = json.RawMessage(args)
				events <- StreamEvent{Type: EventToolCall, ToolCall: tc}
			}

		case "message_delta":
			if streamResp.Delta != nil && streamResp.Delta.StopReason != "" {
				stopReason = streamResp.Delta.StopReason
			}
			if streamResp.Usage != nil {
				totalTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			if stopReason != "tool_use" {
				stopReason = StopEndTurn
			}
			events <- StreamEvent{
				Type:       EventDone,
				ResponseID: responseID,
				StopReason: stopReason,
				Tokens:     totalTokens,
			}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}
	return fmt.Errorf("stream ended without message_stop")
}
