package core

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/store"
	"gwi.com/gptchat/internal/stream"
)

var (
	ErrChatNotFound         = errors.New("chat not found")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrMessagePending       = errors.New("previous message is still waiting for a response")
	ErrNothingToGenerate    = errors.New("no pending message to answer")
	ErrRateLimited          = errors.New("too many generations, slow down")
	ErrInvalidAPIKey        = errors.New("invalid or missing api key")
	ErrGenerationInProgress = errors.New("a response is already being generated for this chat")
)

const (
	maxChatNameLength      = 60
	defaultKeyCheckTimeout = 10 * time.Second
)

type Options struct {
	IdleTimeout     time.Duration
	// KeyCheckTimeout bounds each upstream API key check.
	KeyCheckTimeout time.Duration

	GenerationsPerMinute int
	GenerationBurst      int
}

type ChatService struct {
	store    store.Store
	models   *llm.Registry
	renderer stream.Renderer
	opts     Options
	log      *logger.Logger

	limiter *userLimiter
	locks   *chatLocks
}

func NewChatService(st store.Store, models *llm.Registry, renderer stream.Renderer, opts Options, log *logger.Logger) *ChatService {
	return &ChatService{
		store:    st,
		models:   models,
		renderer: renderer,
		opts:     opts,
		log:      log.With("component", "chat"),
		limiter:  newUserLimiter(opts.GenerationsPerMinute, opts.GenerationBurst),
		locks:    &chatLocks{active: make(map[int64]struct{})},
	}
}

func (s *ChatService) keyCheckTimeout() time.Duration {
	if s.opts.KeyCheckTimeout > 0 {
		return s.opts.KeyCheckTimeout
	}
	return defaultKeyCheckTimeout
}

func (s *ChatService) Models() []llm.Model {
	return s.models.Models()
}

func (s *ChatService) DefaultModel() llm.Model {
	return s.models.ModelOrDefault(llm.DefaultModelID)
}

func (s *ChatService) ListChats(ctx context.Context, userID int64) ([]store.Chat, error) {
	return s.store.ListChats(ctx, userID)
}

func (s *ChatService) GetChat(ctx context.Context, userID, chatID int64) (*store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	return chat, err
}

func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID int64) error {
	err := s.store.DeleteChat(ctx, chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChatNotFound
	}
	if err == nil {
		s.log.Info("chat deleted", "chat_id", chatID, "user_id", userID)
	}
	return err
}

// CreateChat starts a chat named after its first message. Unknown model ids
// fall back to the default model.
func (s *ChatService) CreateChat(ctx context.Context, userID int64, message, modelID string) (int64, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyMessage
	}
	model := s.models.ModelOrDefault(modelID)

	chatID, pairID, err := s.store.CreateChat(ctx, userID, chatName(message), model.ID, message)
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	s.log.Info("chat created", "chat_id", chatID, "pair_id", pairID, "model", model.ID)
	return chatID, nil
}

func chatName(message string) string {
	name := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(name) <= maxChatNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxChatNameLength]) + "…"
}

// AddMessage appends a pending message to a chat owned by userID.
func (s *ChatService) AddMessage(ctx context.Context, userID, chatID int64, message string) (int64, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyMessage
	}
	if _, err := s.GetChat(ctx, userID, chatID); err != nil {
		return 0, err
	}

	pairID, err := s.store.AddMessageBlock(ctx, chatID, message)
	if errors.Is(err, store.ErrPendingPair) {
		return 0, ErrMessagePending
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add message: %w", err)
	}
	return pairID, nil
}

type RenderedPair struct {
	store.MessagePair
	HumanHTML template.HTML
	AIHTML    template.HTML
}

type ChatView struct {
	Chat    *store.Chat
	Model   llm.Model
	Pairs   []RenderedPair
	Pending bool
}

// ChatHistory loads a chat with every selected pair rendered to HTML.
func (s *ChatService) ChatHistory(ctx context.Context, userID, chatID int64) (*ChatView, error) {
	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.store.RetrieveChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve chat: %w", err)
	}

	view := &ChatView{Chat: chat, Model: s.models.ModelOrDefault(chat.Model)}
	for _, p := range pairs {
		human, err := s.renderer.Render(p.HumanMessage)
		if err != nil {
			return nil, err
		}
		rp := RenderedPair{MessagePair: p, HumanHTML: template.HTML(human)}
		if p.AIMessage != nil {
			ai, err := s.renderer.Render(*p.AIMessage)
			if err != nil {
				return nil, err
			}
			rp.AIHTML = template.HTML(ai)
		}
		view.Pairs = append(view.Pairs, rp)
	}
	if n := len(view.Pairs); n > 0 {
		view.Pending = view.Pairs[n-1].Pending()
	}
	return view, nil
}

// RenderMessage renders a single message the way ChatHistory does.
func (s *ChatService) RenderMessage(message string) (template.HTML, error) {
	out, err := s.renderer.Render(message)
	return template.HTML(out), err
}

// ValidateAPIKeys probes every key the user configured and succeeds when at
// least one is accepted.
func (s *ChatService) ValidateAPIKeys(ctx context.Context, user *store.User) error {
	var lastErr error = ErrInvalidAPIKey
	for _, vendor := range []llm.Vendor{llm.VendorOpenAI, llm.VendorGemini} {
		key := apiKeyFor(user, vendor)
		if key == "" {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, s.keyCheckTimeout())
		err := s.models.Provider(vendor).Validate(checkCtx, key)
		cancel()
		if err == nil {
			return nil
		}
		s.log.Debug("api key probe failed", "user_id", user.ID, "vendor", vendor, "error", err)
		lastErr = fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}
	return lastErr
}

func apiKeyFor(user *store.User, vendor llm.Vendor) string {
	var key *string
	switch vendor {
	case llm.VendorOpenAI:
		key = user.OpenAIAPIKey
	case llm.VendorGemini:
		key = user.GeminiAPIKey
	}
	if key == nil {
		return ""
	}
	return *key
}

type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[int64]*rate.Limiter
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{limit: limit, burst: burst, limiters: make(map[int64]*rate.Limiter)}
}

func (l *userLimiter) get(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	return lim
}

// Available reports whether userID could start a generation now without
// spending a token.
func (l *userLimiter) Available(userID int64) bool {
	if l.limit == rate.Inf {
		return true
	}
	return l.get(userID).Tokens() >= 1
}

// Allow spends a token for userID.
func (l *userLimiter) Allow(userID int64) bool {
	return l.get(userID).Allow()
}

type chatLocks struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

func (l *chatLocks) tryLock(chatID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[chatID]; busy {
		return false
	}
	l.active[chatID] = struct{}{}
	return true
}

func (l *chatLocks) unlock(chatID int64) {
	l.mu.Lock()
	delete(l.active, chatID)
	l.mu.Unlock()
}
