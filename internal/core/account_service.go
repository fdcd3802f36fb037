package core

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gwi.com/gptchat/internal/auth"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/store"
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

const minPasswordLength = 8

type AccountService struct {
	store store.Store
	log   *logger.Logger
}

func NewAccountService(st store.Store, log *logger.Logger) *AccountService {
	return &AccountService{store: st, log: log.With("component", "accounts")}
}

func (s *AccountService) Signup(ctx context.Context, email, password, confirm string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, ErrPasswordTooShort
	}
	if password != confirm {
		return nil, ErrPasswordMismatch
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, hash)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("user signed up", "user_id", user.ID)
	return user, nil
}

func (s *AccountService) Login(ctx context.Context, email, password string) (*store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// User returns the user behind a session, or store.ErrNotFound.
func (s *AccountService) User(ctx context.Context, id int64) (*store.User, error) {
	return s.store.GetUserByID(ctx, id)
}

func (s *AccountService) SaveAPIKeys(ctx context.Context, userID int64, openAIKey, geminiKey string) error {
	return s.store.SaveAPIKeys(ctx, userID, openAIKey, geminiKey)
}

func (s *AccountService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
