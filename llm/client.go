package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/phone-voice-lab/internal/config"
)

// Message is one conversation entry, most-recent-last.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	SystemPrompt  string
	HTTP          *http.Client

	enabled bool
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
	ErrDisabled  = errors.New("generation engine disabled")
)

// NewClient builds a Client from configuration. A client without an API key
// is returned disabled; Respond then fails fast with ErrDisabled and the
// caller degrades the stage to a no-op.
func NewClient(cfg config.LLMConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:       base,
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		MaxTokens:     cfg.MaxTokens,
		SystemPrompt:  cfg.SystemPrompt,
		HTTP:          &http.Client{Timeout: timeout},
		enabled:       cfg.APIKey != "",
	}
}

// Enabled reports whether the client is configured with credentials.
func (c *Client) Enabled() bool { return c.enabled }

// Respond generates a reply to utterance given the bounded conversation
// history (ordered, most-recent-last). The system prompt, when configured,
// is prepended; history is passed through as-is; bounding it is the
// caller's job.
func (c *Client) Respond(ctx context.Context, utterance string, history []Message) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	messages := make([]Message, 0, len(history)+2)
	if c.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: c.SystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: utterance})

	resp, err := c.createChatCompletion(ctx, c.Model, messages)
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != c.Model {
		// one retry on the fallback model after a short backoff
		time.Sleep(250 * time.Millisecond)
		resp, err = c.createChatCompletion(ctx, c.FallbackModel, messages)
	}
	return resp, err
}

func (c *Client) createChatCompletion(ctx context.Context, model string, messages []Message) (string, error) {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 150
	}
	payload := map[string]interface{}{
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if model != "" {
		payload["model"] = model
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/chat/completions", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("%w: empty choices", ErrTransient)
		}
		return strings.TrimSpace(out.Choices[0].Message.Content), nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}
