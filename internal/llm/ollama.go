package llm

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

	"github.com/charmbracelet/log"
)

const DefaultTimeout = 120 * time.Second

type OllamaClient struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

var _ Gateway = (*OllamaClient)(nil)

func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithPrefix("ollama-client"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message *Message `json:"message"`
}

// Send posts the conversation to {baseURL}/api/chat without streaming and
// returns message.content. Every failure collapses to FallbackReply.
func (c *OllamaClient) Send(ctx context.Context, model string, messages []Message) string {
	reply, err := c.chat(ctx, model, messages)
	if err != nil {
		c.logger.Error("ollama error", "url", c.baseURL, "model", model, "err", err)
		return FallbackReply
	}
	return reply
}

func (c *OllamaClient) chat(ctx context.Context, model string, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("sending request to ollama", "url", c.baseURL, "model", model, "messages", len(messages))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Message == nil {
		return "", errors.New("response has no message field")
	}
	return out.Message.Content, nil
}
