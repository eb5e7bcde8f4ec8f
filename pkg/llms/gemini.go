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

type GeminiProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGeminiProvider(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		config:  cfg,
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders),
		),
	}, nil
}

func (p *GeminiProvider) ModelName() string {
	return p.config.Model
}

func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) StreamTurn(ctx context.Context, turn TurnRequest) (<-chan StreamEvent, error) {
	request := p.buildRequest(turn)

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)
		if err := p.streamRequest(ctx, request, events); err != nil {
			events <- StreamEvent{Type: EventError, Err: err}
		}
	}()

	return events, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	request := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     p.config.Temperature,
			MaxOutputTokens: p.config.MaxTokens,
		},
	}
	if system != "" {
		request.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", fmt.Errorf("gemini API error: %s", response.Error.Message)
	}
	if len(response.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}

// buildRequest converts the transcript into Gemini contents. Roles are user
// and model; tool results travel as functionResponse parts under the user
// role.
func (p *GeminiProvider) buildRequest(turn TurnRequest) geminiRequest {
	// functionResponse parts must name the function, so remember call ids.
	callNames := make(map[string]string)
	var contents []geminiContent

	appendPart := func(role string, part geminiPart) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{part}})
	}

	for i := range turn.Items {
		item := &turn.Items[i]
		switch item.Type {
		case protocol.ItemTypeUserMessage:
			appendPart("user", geminiPart{Text: item.TextContent()})

		case protocol.ItemTypeAssistantMessage:
			if text := item.TextContent(); text != "" {
				appendPart("model", geminiPart{Text: text})
			}

		case protocol.ItemTypeToolCall:
			callNames[item.CallID] = item.Name
			args := item.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			appendPart("model", geminiPart{FunctionCall: &geminiFunctionCall{
				Name: item.Name,
				Args: args,
			}})

		case protocol.ItemTypeToolResult:
			appendPart("user", geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     callNames[item.CallID],
				Response: map[string]interface{}{"output": item.Output},
			}})
		}
	}

	request := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     p.config.Temperature,
			MaxOutputTokens: p.config.MaxTokens,
		},
	}
	if turn.System != "" {
		request.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: turn.System}}}
	}

	if len(turn.Tools) > 0 {
		declarations := make([]geminiFunctionDeclaration, len(turn.Tools))
		for i, tool := range turn.Tools {
			declarations[i] = geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
		request.Tools = []geminiToolSet{{FunctionDeclarations: declarations}}
	}
	return request
}

func (p *GeminiProvider) newRequest(ctx context.Context, request geminiRequest, endpoint string) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, p.config.Model, endpoint)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.config.APIKey)
	return req, nil
}

func (p *GeminiProvider) makeRequest(ctx context.Context, request geminiRequest) (*geminiResponse, error) {
	req, err := p.newRequest(ctx, request, "generateContent")
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

	var response geminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *GeminiProvider) streamRequest(ctx context.Context, request geminiRequest, events chan<- StreamEvent) error {
	req, err := p.newRequest(ctx, request, "streamGenerateContent?alt=sse")
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

	sawToolCall := false
	var tokens int
	callSeq := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, jsonData)
		}
		if chunk.Error != nil {
			return fmt.Errorf("gemini API error: %s", chunk.Error.Message)
		}
		if chunk.UsageMetadata != nil {
			tokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				events <- StreamEvent{Type: EventText, Text: part.Text}
			}
			if part.FunctionCall != nil {
				sawToolCall = true
				callSeq++
				args := part.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				// Gemini does not assign call ids; synthesize stable ones.
				events <- StreamEvent{Type: EventToolCall, ToolCall: &ToolCall{
					ID:        fmt.Sprintf("call_%s_%d", protocol.NewItemID()[5:13], callSeq),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				}}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	stopReason := StopEndTurn
	if sawToolCall {
		stopReason = StopToolUse
	}
	events <- StreamEvent{Type: EventDone, StopReason: stopReason, Tokens: tokens}
	return nil
}
