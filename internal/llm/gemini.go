package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gwi.com/gptchat/internal/logger"
)

// Gemini streams completions through the Google generative AI SDK. A client
// is built per call because the API key belongs to the requesting user.
type Gemini struct {
	opts []option.ClientOption
	log  *logger.Logger
}

func NewGemini(log *logger.Logger, opts ...option.ClientOption) *Gemini {
	return &Gemini{opts: opts, log: log.With("component", "gemini")}
}

func (g *Gemini) newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(apiKey)}, g.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

func (g *Gemini) closeClient(client *genai.Client) {
	if err := client.Close(); err != nil {
		g.log.Warn("error closing GenAI client", "error", err)
	}
}

func (g *Gemini) Validate(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrInvalidAPIKey
	}
	client, err := g.newClient(ctx, apiKey)
	if err != nil {
		return err
	}
	defer g.closeClient(client)

	_, err = client.ListModels(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}
	return nil
}

var errNoUserTurn = errors.New("last message in history is not from the user")

// geminiHistory splits messages into the chat history and the prompt that
// is sent next. Gemini names the assistant role "model".
func geminiHistory(messages []Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 || messages[len(messages)-1].Role != RoleUser {
		return nil, "", errNoUserTurn
	}
	history := make([]*genai.Content, 0, len(messages)-1)
	for _, m := range messages[:len(messages)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history, messages[len(messages)-1].Content, nil
}

func (g *Gemini) Stream(ctx context.Context, r Request, out chan<- Chunk) {
	history, prompt, err := geminiHistory(r.Messages)
	if err != nil {
		fail(ctx, out, err)
		return
	}

	client, err := g.newClient(ctx, r.APIKey)
	if err != nil {
		fail(ctx, out, err)
		return
	}
	defer g.closeClient(client)

	model := client.GenerativeModel(r.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	session := model.StartChat()
	session.History = history

	relay(ctx, session.SendMessageStream(ctx, genai.Text(prompt)), out)
}

// responseIterator is the part of genai.GenerateContentResponseIterator the
// relay needs.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// relay forwards every text part of iter to out. iterator.Done is the
// terminal marker.
func relay(ctx context.Context, iter responseIterator, out chan<- Chunk) {
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			send(ctx, out, Chunk{Kind: ChunkDone})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				fail(ctx, out, fmt.Errorf("gemini stream failed: %w", err))
			}
			return
		}

		for _, text := range responseText(resp) {
			if !send(ctx, out, Chunk{Kind: ChunkText, Text: text}) {
				return
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var texts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok && txt != "" {
			texts = append(texts, string(txt))
		}
	}
	return texts
}
