package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/kokoro/common/version"
	"github.com/bdobrica/kokoro/internal/kokoro/prompt"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 45 * time.Second
	defaultMaxTokens = 400
)

// Config configures the OpenAI-compatible generation client.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama)
	// or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 45 s.
	Timeout time.Duration

	// MaxTokens caps the reply length. Defaults to 400.
	MaxTokens int
}

// Client implements Backend with the chat completions API. The whole
// assembled prompt is sent as the system message. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate replies to the user turn in req.
func (c *Client) Generate(ctx context.Context, req prompt.Request) (*Reply, error) {
	return c.complete(ctx, req.Prompt)
}

// Proactive asks the model to open the conversation. The proactive
// directive is already part of req.Prompt (see prompt.Input.Proactive).
func (c *Client) Proactive(ctx context.Context, req prompt.Request) (*Reply, error) {
	return c.complete(ctx, req.Prompt)
}

func (c *Client) complete(ctx context.Context, system string) (*Reply, error) {
	if c.cfg.APIKey == "" && c.cfg.BaseURL == defaultBaseURL {
		return nil, &Error{Category: CategoryConfiguration, Err: errors.New("no API key configured")}
	}

	data, err := json.Marshal(oaiRequest{
		Model:     c.cfg.Model,
		Messages:  []oaiMessage{{Role: "system", Content: system}},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Category: CategoryConfiguration, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Category: Classify(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Category: Classify(err), Err: fmt.Errorf("read response body: %w", err)}
	}

	var oaiResp oaiResponse
	decodeErr := json.Unmarshal(body, &oaiResp)

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("%.200s", strings.TrimSpace(string(body)))
		if decodeErr == nil && oaiResp.Error != nil {
			msg = oaiResp.Error.Message
		}
		return nil, &Error{
			Category: categoryForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      errors.New(msg),
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("generation: decode API response: %w", decodeErr)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("generation: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, errors.New("generation: no choices returned")
	}

	text := strings.TrimSpace(oaiResp.Choices[0].Message.Content)
	if text == "" {
		return nil, errors.New("generation: empty reply")
	}
	return &Reply{Text: text, TypingDelay: prompt.Pacing(firstPart(text))}, nil
}

func firstPart(text string) string {
	if parts := prompt.SplitReply(text); len(parts) > 0 {
		return parts[0]
	}
	return text
}

var _ Backend = (*Client)(nil)
