// Package assistant – llm.go implements the clients for the primary chat
// model and the secondary helper model. Both speak the Ollama HTTP API
// (/api/chat and /api/generate), which is what local deployments expose.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completion finish reasons reported by the model.
const (
	DoneReasonStop   = "stop"
	DoneReasonLength = "length"
)

// ChatMessage is one role-tagged message in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the outcome of one primary model call.
type ChatResult struct {
	// Content is the raw assistant output, thinking segment included.
	Content string

	// Done reports whether the model considers the generation complete.
	Done bool

	// DoneReason is why the generation ended ("stop", "length", ...).
	DoneReason string

	// TotalTokens is the prompt plus completion token count for the call.
	TotalTokens int
}

// LLMClient talks to an Ollama-compatible endpoint.
type LLMClient struct {
	baseURL       string
	model         string
	contextWindow int
	temperature   float64
	timeout       time.Duration
	cpuOnly       bool
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewLLMClient creates a client for the primary chat model.
func NewLLMClient(cfg ModelConfig, logger *slog.Logger) *LLMClient {
	return newClient(cfg.BaseURL, cfg.Name, cfg.ContextWindow, cfg.Temperature, cfg.Timeout(), false, logger)
}

// NewHelperClient creates a client for the secondary helper model. The helper
// runs CPU-only and stays resident so arousal checks are cheap.
func NewHelperClient(cfg HelperConfig, primaryBaseURL string, logger *slog.Logger) *LLMClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = primaryBaseURL
	}
	return newClient(baseURL, cfg.Name, cfg.ContextWindow, cfg.Temperature, cfg.Timeout(), true, logger)
}

func newClient(baseURL, model string, contextWindow int, temperature float64, timeout time.Duration, cpuOnly bool, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &LLMClient{
		baseURL:       baseURL,
		model:         model,
		contextWindow: contextWindow,
		temperature:   temperature,
		timeout:       timeout,
		cpuOnly:       cpuOnly,
		httpClient: &http.Client{
			// No global timeout; each call carries context.WithTimeout for
			// precise per-call control.
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "model", model),
	}
}

// Model returns the configured model name.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire types (Ollama API) ----------

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	// Done is a pointer so a response missing completion metadata can be
	// told apart from done=false and degraded to done=true.
	Done            *bool  `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive int            `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// options builds the per-request model options.
func (c *LLMClient) options() map[string]any {
	opts := map[string]any{
		"num_ctx":     c.contextWindow,
		"temperature": c.temperature,
	}
	if c.cpuOnly {
		opts["num_gpu"] = 0
	}
	return opts
}

// Chat runs one primary model call over the given messages.
// A missing done flag in the response is treated as done=true with the raw
// content used verbatim.
func (c *LLMClient) Chat(ctx context.Context, messages []ChatMessage) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  c.options(),
	}

	var resp chatResponse
	if err := c.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}

	result := &ChatResult{
		Content:     resp.Message.Content,
		Done:        true,
		DoneReason:  resp.DoneReason,
		TotalTokens: resp.PromptEvalCount + resp.EvalCount,
	}
	if resp.Done != nil {
		result.Done = *resp.Done
	} else {
		c.logger.Warn("model response missing completion metadata, assuming done")
	}
	return result, nil
}

// Generate runs one helper model call over a plain prompt. The helper stays
// resident between calls (keep_alive -1).
func (c *LLMClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := generateRequest{
		Model:     c.model,
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: -1,
		Options:   c.options(),
	}

	var resp generateResponse
	if err := c.post(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// post sends a JSON request and decodes the JSON response.
func (c *LLMClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read model response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("model call: status %d: %s", httpResp.StatusCode, truncate(string(data), 200))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}

	c.logger.Debug("model call completed", "path", path, "duration", time.Since(start))
	return nil
}

// Thinking segment markers emitted by reasoning models.
const (
	thinkStartMarker = "<think>"
	thinkEndMarker   = "</think>"
)

// SplitThinking separates a delimited thinking segment from the visible
// content. With both markers present the segment between them is discarded
// and only the text after the end marker is kept. With only the start marker
// (thought truncated) the whole remainder is thinking and the visible content
// is empty. With neither marker the output is returned unchanged.
func SplitThinking(output string) (thinking, visible string) {
	start := strings.Index(output, thinkStartMarker)
	end := strings.Index(output, thinkEndMarker)
	switch {
	case start >= 0 && end >= 0:
		return output[start+len(thinkStartMarker) : end], strings.TrimSpace(output[end+len(thinkEndMarker):])
	case start >= 0:
		return output[start+len(thinkStartMarker):], ""
	default:
		return "", output
	}
}

// truncate shortens s to max runes for log output, never splitting a UTF-8
// sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
