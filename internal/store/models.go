package store

import "time"

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
	OpenAIAPIKey *string   `json:"-"` // Nullable, from settings
	GeminiAPIKey *string   `json:"-"` // Nullable, from settings
}

type Chat struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePair is one row of v_chat_messages: the selected pair of a message
// block together with its chat's model.
type MessagePair struct {
	ID             int64   `json:"id"`
	ChatID         int64   `json:"chat_id"`
	MessageBlockID int64   `json:"message_block_id"`
	Model          string  `json:"model"`
	HumanMessage   string  `json:"human_message"`
	AIMessage      *string `json:"ai_message"` // nil while pending
	BlockRank      int64   `json:"block_rank"`
	BlockSize      int64   `json:"block_size"`
}

// Pending reports whether the AI response has not been attached yet.
func (p MessagePair) Pending() bool {
	return p.AIMessage == nil
}
