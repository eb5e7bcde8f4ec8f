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

// OpenAIProvider speaks the Responses API. The transcript maps to a flat
// input-item list and store is always false: the server owns conversation
// state, never the provider.
type OpenAIProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type openAIRequest struct {
	Model           string       `json:"model"`
	Instructions    string       `json:"instructions,omitempty"`
	Input           []openAIItem `json:"input"`
	Tools           []openAITool `json:"tools,omitempty"`
	Stream          bool         `json:"stream,omitempty"`
	Store           bool         `json:"store"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Temperature     *float64     `json:"temperature,omitempty"`
}

type openAITool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content []openAIContent `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type openAIContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []openAIItem `json:"output"`
	Usage  *openAIUsage `json:"usage,omitempty"`
	Error  *openAIError `json:"error,omitempty"`
}

type openAIUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type openAIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type openAIStreamEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Item     *openAIItem     `json:"item,omitempty"`
	Response *openAIResponse `json:"response,omitempty"`
}

func NewOpenAIProvider(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	return &OpenAIProvider{
		config:  cfg,
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) StreamTurn(ctx context.Context, turn TurnRequest) (<-chan StreamEvent, error) {
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

func (p *OpenAIProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	request := openAIRequest{
		Model:        p.config.Model,
		Instructions: system,
		Input: []openAIItem{{
			Type:    "message",
			Role:    "user",
			Content: []openAIContent{{Type: "input_text", Text: prompt}},
		}},
		MaxOutputTokens: p.config.MaxTokens,
		Temperature:     p.config.Temperature,
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", fmt.Errorf("openai API error: %s", response.Error.Message)
	}

	var text string
	for _, item := range response.Output {
		if item.Type == "message" {
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text += part.Text
				}
			}
		}
	}
	return text, nil
}

// buildRequest converts the transcript into the flat input-item list. Unlike
// Anthropic there is no role alternation to maintain; tool calls and results
// ride alongside messages as sibling items.
func (p *OpenAIProvider) buildRequest(turn TurnRequest, stream bool) openAIRequest {
	input := make([]openAIItem, 0, len(turn.Items))

	for i := range turn.Items {
		item := &turn.Items[i]
		switch item.Type {
		case protocol.ItemTypeUserMessage:
			input = append(input, openAIItem{
				Type:    "message",
				Role:    "user",
				Content: []openAIContent{{Type: "input_text", Text: item.TextContent()}},
			})

		case protocol.ItemTypeAssistantMessage:
			if text := item.TextContent(); text != "" {
				input = append(input, openAIItem{
					Type:    "message",
					Role:    "assistant",
					Content: []openAIContent{{Type: "output_text", Text: text}},
				})
			}

		case protocol.ItemTypeToolCall:
			args := string(item.Arguments)
			if args == "" {
				args = "{}"
			}
			input = append(input, openAIItem{
				Type:      "function_call",
				CallID:    item.CallID,
				Name:      item.Name,
				Arguments: args,
			})

		case protocol.ItemTypeToolResult:
			input = append(input, openAIItem{
				Type:   "function_call_output",
				CallID: item.CallID,
				Output: item.Output,
			})
		}
	}

	request := openAIRequest{
		Model:           p.config.Model,
		Instructions:    turn.System,
		Input:           input,
		Stream:          stream,
		MaxOutputTokens: p.config.MaxTokens,
		Temperature:     p.config.Temperature,
	}

	if len(turn.Tools) > 0 {
		tools := make([]openAITool, len(turn.Tools))
		for i, tool := range turn.Tools {
			tools[i] = openAITool{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
		request.Tools = tools
	}
	return request
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/responses", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	return req, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
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

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, request openAIRequest, events chan<- StreamEvent) error {
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

	var responseID string
	sawToolCall := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "[DONE]" {
			break
		}

		var event openAIStreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, jsonData)
		}

		switch event.Type {
		case "response.created":
			if event.Response != nil {
				responseID = event.Response.ID
			}

		case "response.output_text.delta":
			if event.Delta != "" {
				events <- StreamEvent{Type: EventText, Text: event.Delta}
			}

		case "response.output_item.done":
			if event.Item != nil && event.Item.Type == "function_call" {
				sawToolCall = true
				args := event.Item.Arguments
				if args == "" {
					args = "{}"
				}
				events <- StreamEvent{Type: EventToolCall, ToolCall: &ToolCall{
					ID:        event.Item.CallID,
					Name:      event.Item.Name,
					Arguments: json.RawMessage(args),
				}}
			}

		case "response.completed":
			stopReason := StopEndTurn
			if sawToolCall {
				stopReason = StopToolUse
			}
			var tokens int
			if event.Response != nil {
				responseID = event.Response.ID
				if event.Response.Usage != nil {
					tokens = event.Response.Usage.OutputTokens
				}
			}
			events <- StreamEvent{
				Type:       EventDone,
				ResponseID: responseID,
				StopReason: stopReason,
				Tokens:     tokens,
			}
			return nil

		case "response.failed":
			msg := "response failed"
			if event.Response != nil && event.Response.Error != nil {
				msg = event.Response.Error.Message
			}
			return fmt.Errorf("openai API error: %s", msg)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}
	return fmt.Errorf("stream ended without response.completed")
}
