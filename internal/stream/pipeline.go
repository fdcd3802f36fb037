package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/logger"
)

var (
	ErrIdleTimeout    = errors.New("upstream idle timeout")
	ErrUpstreamClosed = errors.New("upstream closed without completion")
	ErrUpstream       = errors.New("upstream failure")
	ErrClientGone     = errors.New("client stopped accepting events")
	ErrPersist        = errors.New("failed to persist response")
)

const (
	persistTries   = 3
	persistTimeout = 10 * time.Second
)

// Persister stores the final text of a generation. Errors wrapped with
// backoff.Permanent are not retried.
type Persister func(ctx context.Context, text string) error

// Result describes a finished run.
type Result struct {
	Text      string
	Events    int
	Persisted bool
}

type Pipeline struct {
	renderer    Renderer
	persist     Persister
	idleTimeout time.Duration
	newBackOff  func() backoff.BackOff
	log         *logger.Logger
}

func NewPipeline(r Renderer, persist Persister, idleTimeout time.Duration, log *logger.Logger) *Pipeline {
	return &Pipeline{
		renderer:    r,
		persist:     persist,
		idleTimeout: idleTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			return b
		},
		log: log,
	}
}

// Run consumes chunks until the terminal marker, a failure, or the end of
// ctx. Every text chunk yields exactly one emitted event, in order. The text
// is persisted only after the terminal marker; when emit fails Run returns at
// once without reading further chunks.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan llm.Chunk, emit func(Event) error) (Result, error) {
	acc := NewAccumulator(p.renderer)
	var res Result

	send := func(ev Event) error {
		if err := emit(ev); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		res.Events++
		return nil
	}
	fail := func(cause error, message string) (Result, error) {
		res.Text = acc.Text()
		if err := send(Fail(message)); err != nil {
			return res, err
		}
		return res, cause
	}

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			res.Text = acc.Text()
			return res, ctx.Err()

		case <-idle.C:
			return fail(ErrIdleTimeout, "The model stopped responding. Please try again.")

		case c, ok := <-chunks:
			if !ok {
				return fail(ErrUpstreamClosed, "The response ended unexpectedly. Please try again.")
			}
			idle.Reset(p.idleTimeout)

			switch c.Kind {
			case llm.ChunkText:
				ev, err := acc.Append(c.Text)
				if err != nil {
					return fail(err, "Could not render the response.")
				}
				if err := send(ev); err != nil {
					res.Text = acc.Text()
					return res, err
				}

			case llm.ChunkError:
				p.log.Warn("upstream stream failed", "error", c.Err)
				return fail(fmt.Errorf("%w: %v", ErrUpstream, c.Err), "The model returned an error. Please try again.")

			case llm.ChunkDone:
				res.Text = acc.Text()
				if err := p.persistText(ctx, res.Text); err != nil {
					p.log.Error("failed to persist response", "error", err)
					return fail(fmt.Errorf("%w: %v", ErrPersist, err), "The response could not be saved. Please try again.")
				}
				res.Persisted = true

				ev, err := acc.Finish()
				if err != nil {
					return fail(err, "The response was saved but could not be displayed. Reload the page.")
				}
				err = send(ev)
				return res, err
			}
		}
	}
}

// persistText outlives a client that disconnects after the terminal marker
// arrived, bounded by persistTimeout.
func (p *Pipeline) persistText(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.persist(ctx, text)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(persistTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("retrying persist", "error", err, "next", next)
		}),
	)
	return err
}
