package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"gwi.com/gptchat/internal/logger"
)

type OpenAI struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewOpenAI returns a provider for an OpenAI compatible API rooted at
// baseURL. The client should not carry a total timeout since completions are
// streamed.
func NewOpenAI(baseURL string, client *http.Client, log *logger.Logger) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log.With("component", "openai"),
	}
}

// Validate lists the models visible to apiKey. The chat model client has no
// listing call, so the probe is a plain request.
func (p *OpenAI) Validate(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrInvalidAPIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("model listing failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: model listing returned %d", ErrInvalidAPIKey, resp.StatusCode)
	}
	return nil
}

// chatModel is built per request because the API key belongs to the user.
func (p *OpenAI) chatModel(ctx context.Context, r Request) (*einoopenai.ChatModel, error) {
	model, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		APIKey:     r.APIKey,
		BaseURL:    p.baseURL + "/v1",
		Model:      r.Model,
		HTTPClient: p.client,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI chat model: %w", err)
	}
	return model, nil
}

func openAIMessages(history []Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	for _, m := range history {
		if m.Role == RoleAssistant {
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		} else {
			messages = append(messages, schema.UserMessage(m.Content))
		}
	}
	return messages
}

// Stream relays the completion deltas. A stream that ends before any choice
// reported a finish reason is treated as truncated.
func (p *OpenAI) Stream(ctx context.Context, r Request, out chan<- Chunk) {
	model, err := p.chatModel(ctx, r)
	if err != nil {
		fail(ctx, out, err)
		return
	}

	reader, err := model.Stream(ctx, openAIMessages(r.Messages))
	if err != nil {
		if ctx.Err() == nil {
			fail(ctx, out, fmt.Errorf("completion request failed: %w", err))
		}
		return
	}
	defer reader.Close()

	finished := false
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			if !finished {
				fail(ctx, out, ErrTruncated)
				return
			}
			send(ctx, out, Chunk{Kind: ChunkDone})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("completion stream failed", "model", r.Model, "error", err)
				fail(ctx, out, fmt.Errorf("reading completion stream: %w", err))
			}
			return
		}
		if msg == nil {
			continue
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason != "" {
			finished = true
		}
		if msg.Content == "" {
			continue
		}
		if !send(ctx, out, Chunk{Kind: ChunkText, Text: msg.Content}) {
			return
		}
	}
}
