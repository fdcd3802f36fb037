// Package llm talks to the upstream model providers and turns their streamed
// responses into a channel of chunks.
package llm

import (
	"context"
	"errors"
)

const systemPrompt = "You are a helpful assistant."

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTruncated is reported when the upstream stream ends without its
	// completion marker.
	ErrTruncated = errors.New("upstream stream ended before completion")
)

type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkDone
	ChunkError
)

// Chunk is one upstream event: a text delta, the terminal marker or a
// transport failure.
type Chunk struct {
	Kind ChunkKind
	Text string
	Err  error
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	APIKey   string
	Model    string
	Messages []Message
}

type Provider interface {
	// Validate probes the provider with apiKey. It returns an error wrapping
	// ErrInvalidAPIKey when the key is rejected.
	Validate(ctx context.Context, apiKey string) error
	// Stream sends text chunks to out followed by exactly one ChunkDone or
	// ChunkError, unless ctx ends first. It never closes out.
	Stream(ctx context.Context, req Request, out chan<- Chunk)
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func fail(ctx context.Context, out chan<- Chunk, err error) {
	send(ctx, out, Chunk{Kind: ChunkError, Err: err})
}
