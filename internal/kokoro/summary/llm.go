package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/kokoro/internal/kokoro/schema"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second

	systemPrompt = "Summarise this conversation between a user and their companion in 2-3 sentences. " +
		"Keep personal details, feelings and plans the companion should remember. " +
		"If a previous summary is given, fold it into the new one instead of repeating it."
)

// LLMConfig configures the LLM summariser.
type LLMConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string
	// BaseURL overrides the API endpoint. Defaults to https://api.openai.com/v1.
	BaseURL string
	// Model is the chat model. Defaults to gpt-4o-mini.
	Model string
	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// LLMSummariser implements Summariser with an OpenAI-compatible chat
// completions API. It is safe for concurrent use.
type LLMSummariser struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMSummariser returns a summariser for the given endpoint.
func NewLLMSummariser(cfg LLMConfig) *LLMSummariser {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &LLMSummariser{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Summarise sends the transcript and the current memory to the model and
// returns its summary. An empty window yields an empty summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []schema.Message, memory schema.PersistentMemory) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	body := chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: formatInput(messages, memory)},
		},
		MaxTokens: 256,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("summary llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("summary llm: create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summary llm: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("summary llm: read response body: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("summary llm: decode response: %w", err)
	}
	if out.Error != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("summary llm: rate limit (HTTP 429): %s", out.Error.Message)
		}
		return "", fmt.Errorf("summary llm: API error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("summary llm: unexpected HTTP status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("summary llm: no choices returned")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// formatInput renders the previous summary, known facts and the transcript.
func formatInput(messages []schema.Message, memory schema.PersistentMemory) string {
	var b strings.Builder
	if memory.Summary != "" {
		fmt.Fprintf(&b, "Previous summary: %s\n", memory.Summary)
	}
	if len(memory.Facts) > 0 {
		fmt.Fprintf(&b, "Known facts: %s\n", strings.Join(memory.Facts, "; "))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Sender, m.Text)
	}
	return b.String()
}

var _ Summariser = (*LLMSummariser)(nil)
