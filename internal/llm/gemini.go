package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient is an alternative Gateway backed by the Gemini API. It keeps
// the same contract as OllamaClient: one blocking call, no retry, fallback
// text on any failure.
type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
	logger  *log.Logger
}

var _ Gateway = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GeminiClient{client: client, timeout: timeout, logger: log.WithPrefix("gemini")}, nil
}

func (g *GeminiClient) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			g.logger.Error("closing genai client", "err", err)
		}
	}
}

func (g *GeminiClient) Send(ctx context.Context, model string, messages []Message) string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.chat(ctx, model, messages)
	if err != nil {
		g.logger.Error("gemini error", "model", model, "err", err)
		return FallbackReply
	}
	return reply
}

func (g *GeminiClient) chat(ctx context.Context, modelName string, messages []Message) (string, error) {
	system, history, last, err := toGeminiContents(messages)
	if err != nil {
		return "", err
	}

	model := g.client.GenerativeModel(modelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	session := model.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini response had no candidates")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini response had no text parts")
	}
	return b.String(), nil
}

// toGeminiContents splits an assembled conversation into the system
// instruction, the prior turns and the final user turn. Assistant turns use
// Gemini's "model" role.
func toGeminiContents(messages []Message) (string, []*genai.Content, *genai.Content, error) {
	var system []string
	var turns []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(turns) == 0 {
		return "", nil, nil, errors.New("conversation has no turns")
	}
	last := turns[len(turns)-1]
	if last.Role != "user" {
		return "", nil, nil, errors.New("last message in conversation is not from the user")
	}
	return strings.Join(system, "\n\n"), turns[:len(turns)-1], last, nil
}
