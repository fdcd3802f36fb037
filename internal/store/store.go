package store

import "context"

// Store is the persistence surface used by the services and handlers.
// SQLiteStore is the only implementation.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SaveAPIKeys(ctx context.Context, userID int64, openAIKey, geminiKey string) error

	ListChats(ctx context.Context, userID int64) ([]Chat, error)
	GetChat(ctx context.Context, chatID, userID int64) (*Chat, error)
	CreateChat(ctx context.Context, userID int64, name, model, firstMessage string) (chatID, pairID int64, err error)
	DeleteChat(ctx context.Context, chatID, userID int64) error

	RetrieveChat(ctx context.Context, chatID int64) ([]MessagePair, error)
	AddMessageBlock(ctx context.Context, chatID int64, humanMessage string) (int64, error)
	AttachAIMessage(ctx context.Context, pairID int64, message string) (int64, error)

	Ping(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
