package card

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/samber/mo"
)

const sessionQueue = 16

// Session runs card operations on one worker goroutine so callers (a UI loop, an HTTP
// handler) never block on the card. Operations run in submission order.
type Session struct {
	ID uuid.UUID

	client *Client
	logger *slog.Logger

	mu     syncutil.Mutex
	closed bool
	jobs   chan func()
	done   chan struct{}
}

// NewSession starts the worker for client.
func NewSession(client *Client) *Session {
	s := &Session{
		ID:     uuid.New(),
		client: client,
		jobs:   make(chan func(), sessionQueue),
		done:   make(chan struct{}),
	}
	s.logger = client.logger.With("session", s.ID.String())

	go s.run()
	return s
}

// Client returns the client the session drives.
func (s *Session) Client() *Client {
	return s.client
}

func (s *Session) run() {
	defer close(s.done)
	s.logger.Debug("session started")

	for job := range s.jobs {
		job()
	}

	s.logger.Debug("session stopped")
}

// Submit queues fn and returns a channel that receives exactly one result.
// If ctx ends before fn starts, fn is skipped and the result carries ctx.Err(). A full
// queue blocks Submit until a slot frees up or ctx ends.
func Submit[T any](ctx context.Context, s *Session, fn func(context.Context, *Client) (T, error)) <-chan mo.Result[T] {
	out := make(chan mo.Result[T], 1)

	job := func() {
		if err := ctx.Err(); err != nil {
			out <- mo.Err[T](err)
			return
		}
		v, err := fn(ctx, s.client)
		out <- mo.TupleToResult(v, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		out <- mo.Err[T](ErrSessionClosed)
		return out
	}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		out <- mo.Err[T](ctx.Err())
	}
	return out
}

// Close stops accepting work, waits for queued operations to finish and disconnects
// the client.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	<-s.done
	return s.client.Disconnect()
}
