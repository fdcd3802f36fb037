package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/store"
	"gwi.com/gptchat/internal/stream"
)

// chunkBuffer bounds how far the upstream reader may run ahead of the client.
const chunkBuffer = 10

// Generation is one prepared response for the latest pending pair of a chat.
// It holds the chat's generation lock until Run returns or Release is called.
type Generation struct {
	ID     string
	ChatID int64
	PairID int64

	request  llm.Request
	provider llm.Provider
	pipeline *stream.Pipeline
	log      *logger.Logger

	releaseOnce sync.Once
	unlock      func()
}

// PrepareGeneration checks every precondition before any upstream stream is
// opened: ownership, a pending pair, the rate limit, the API key and the
// per-chat lock.
func (s *ChatService) PrepareGeneration(ctx context.Context, user *store.User, chatID int64) (*Generation, error) {
	chat, err := s.GetChat(ctx, user.ID, chatID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.store.RetrieveChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve chat: %w", err)
	}
	if len(pairs) == 0 || !pairs[len(pairs)-1].Pending() {
		return nil, ErrNothingToGenerate
	}
	pending := pairs[len(pairs)-1]

	// Only generations that actually start are charged.
	if !s.limiter.Available(user.ID) {
		return nil, ErrRateLimited
	}

	model := s.models.ModelOrDefault(chat.Model)
	key := apiKeyFor(user, model.Vendor())
	if key == "" {
		return nil, fmt.Errorf("%w: no %s key configured", ErrInvalidAPIKey, model.Vendor())
	}
	provider := s.models.Provider(model.Vendor())
	checkCtx, cancel := context.WithTimeout(ctx, s.keyCheckTimeout())
	err = provider.Validate(checkCtx, key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}

	if !s.locks.tryLock(chatID) {
		return nil, ErrGenerationInProgress
	}
	if !s.limiter.Allow(user.ID) {
		s.locks.unlock(chatID)
		return nil, ErrRateLimited
	}

	id := uuid.NewString()
	log := s.log.With("generation_id", id, "chat_id", chatID, "pair_id", pending.ID)

	persist := func(ctx context.Context, text string) error {
		_, err := s.store.AttachAIMessage(ctx, pending.ID, text)
		if errors.Is(err, store.ErrPairNotPending) {
			return backoff.Permanent(err)
		}
		return err
	}

	return &Generation{
		ID:     id,
		ChatID: chatID,
		PairID: pending.ID,
		request: llm.Request{
			APIKey:   key,
			Model:    model.ID,
			Messages: conversation(pairs),
		},
		provider: provider,
		pipeline: stream.NewPipeline(s.renderer, persist, s.opts.IdleTimeout, log),
		log:      log,
		unlock:   func() { s.locks.unlock(chatID) },
	}, nil
}

func conversation(pairs []store.MessagePair) []llm.Message {
	messages := make([]llm.Message, 0, 2*len(pairs))
	for _, p := range pairs {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: p.HumanMessage})
		if p.AIMessage != nil {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: *p.AIMessage})
		}
	}
	return messages
}

// Release frees the chat lock. It is safe to call more than once.
func (g *Generation) Release() {
	g.releaseOnce.Do(g.unlock)
}

// Run streams the upstream response through emit. The upstream reader stops
// as soon as the consumer returns, whatever the reason.
func (g *Generation) Run(ctx context.Context, emit func(stream.Event) error) (stream.Result, error) {
	defer g.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan llm.Chunk, chunkBuffer)
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		defer close(chunks)
		g.provider.Stream(gctx, g.request, chunks)
		return nil
	})

	var res stream.Result
	grp.Go(func() error {
		defer cancel()
		var err error
		res, err = g.pipeline.Run(gctx, chunks, emit)
		return err
	})

	err := grp.Wait()
	if err != nil {
		g.log.Warn("generation ended without completion", "error", err, "events", res.Events)
	} else {
		g.log.Info("generation completed", "events", res.Events, "length", len(res.Text))
	}
	return res, err
}
