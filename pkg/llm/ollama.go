package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/forge/pkg/errors"
)

// OllamaProvider implements the Provider interface for Ollama.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates a new OllamaProvider.
func NewOllama(baseURL string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []Tool                 `json:"tools,omitempty"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Role      Role             `json:"role"`
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done            bool `json:"done"`
	EvalCount       int  `json:"eval_count"`
	PromptEvalCount int  `json:"prompt_eval_count"`
}

// toOllama converts messages; Ollama wants tool arguments as objects.
func toOllama(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.Name}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			args := strings.TrimSpace(tc.Function.Arguments)
			if args == "" || args == "null" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			otc.Function.Arguments = json.RawMessage(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// Chat sends a chat request to Ollama and maps the response to ChatResponse.
// Transport failures and 5xx answers are recoverable; 4xx are not.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oReq := ollamaRequest{
		Model:    req.Model,
		Messages: toOllama(req.Messages),
		Stream:   false,
		Tools:    req.Tools,
		Format:   req.Format,
	}
	if req.Temperature != 0 {
		oReq.Options = map[string]interface{}{
			"temperature": req.Temperature,
		}
	}

	body, err := json.Marshal(oReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.New(errors.CodeReasoningUnavailable, "ollama api call failed", err).
			WithRecoverable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf(errors.CodeReasoningUnavailable, "ollama api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))).
			WithContext("status", resp.StatusCode).
			WithRecoverable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var oResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&oResp); err != nil {
		return nil, errors.New(errors.CodeReasoningUnavailable, "failed to decode ollama response", err).
			WithRecoverable(true)
	}

	out := &ChatResponse{
		Content: oResp.Message.Content,
		Usage: Usage{
			PromptTokens:     oResp.PromptEvalCount,
			CompletionTokens: oResp.EvalCount,
			TotalTokens:      oResp.PromptEvalCount + oResp.EvalCount,
		},
	}
	for _, tc := range oResp.Message.ToolCalls {
		args := string(tc.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Type:     ToolTypeFunction,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return out, nil
}

// Ping checks the Ollama server answers /api/tags.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeReasoningUnavailable, "ollama unreachable", err).WithRecoverable(true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.CodeReasoningUnavailable, "ollama ping returned status %d", resp.StatusCode).
			WithRecoverable(resp.StatusCode >= 500)
	}
	return nil
}

var (
	_ Provider = (*OllamaProvider)(nil)
	_ Pinger   = (*OllamaProvider)(nil)
)
