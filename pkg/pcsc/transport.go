// Package pcsc connects the card client to a PC/SC reader.
package pcsc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ebfe/scard"
	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/gregLibert/cardwallet/pkg/card"
)

type Option func(*Transport)

// WithReader picks the first reader whose name contains name (case-insensitive)
// instead of the first reader listed.
func WithReader(name string) Option {
	return func(t *Transport) { t.reader = name }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport implements card.Transport over PC/SC. It is safe for concurrent use.
type Transport struct {
	mu syncutil.Mutex

	reader string
	logger *slog.Logger

	ctx  *scard.Context
	card *scard.Card
	name string
	atr  []byte
}

func NewTransport(opts ...Option) *Transport {
	t := &Transport{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect establishes the PC/SC context and connects to the card in the chosen reader.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.card != nil {
		return nil
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("establish context: %w", mapError(err))
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return fmt.Errorf("list readers: %w", mapError(err))
	}

	name, err := pickReader(readers, t.reader)
	if err != nil {
		_ = ctx.Release()
		return err
	}

	c, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return fmt.Errorf("connect %q: %w", name, mapError(err))
	}

	if status, err := c.Status(); err == nil {
		t.atr = status.Atr
	}

	t.ctx, t.card, t.name = ctx, c, name
	t.logger.Info("card connected", "reader", name, "atr", fmt.Sprintf("%X", t.atr))
	return nil
}

// Transmit sends one raw APDU.
func (t *Transport) Transmit(cmd []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.card == nil {
		return nil, card.ErrNoCard
	}

	resp, err := t.card.Transmit(cmd)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// Disconnect leaves the card powered and releases the context. Safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.card != nil {
		if err := t.card.Disconnect(scard.LeaveCard); err != nil {
			errs = append(errs, fmt.Errorf("disconnect card: %w", err))
		}
		t.card = nil
	}
	if t.ctx != nil {
		if err := t.ctx.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release context: %w", err))
		}
		t.ctx = nil
	}
	if t.name != "" {
		t.logger.Info("card disconnected", "reader", t.name)
		t.name = ""
	}
	return errors.Join(errs...)
}

// Reader returns the name of the connected reader, empty when disconnected.
func (t *Transport) Reader() string {
	return syncutil.With(&t.mu, func() string { return t.name })
}

// ATR returns the answer-to-reset of the connected card.
func (t *Transport) ATR() []byte {
	return syncutil.With(&t.mu, func() []byte { return append([]byte(nil), t.atr...) })
}

func pickReader(readers []string, want string) (string, error) {
	if len(readers) == 0 {
		return "", card.ErrNoReader
	}
	if want == "" {
		return readers[0], nil
	}
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), strings.ToLower(want)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q not among %d readers", card.ErrNoReader, want, len(readers))
}

// mapError translates PC/SC codes into the card error taxonomy, keeping the original.
func mapError(err error) error {
	switch {
	case errors.Is(err, scard.ErrNoReadersAvailable), errors.Is(err, scard.ErrUnknownReader),
		errors.Is(err, scard.ErrReaderUnavailable):
		return fmt.Errorf("%w: %w", card.ErrNoReader, err)
	case errors.Is(err, scard.ErrNoSmartcard), errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard):
		return fmt.Errorf("%w: %w", card.ErrNoCard, err)
	case errors.Is(err, scard.ErrNoService), errors.Is(err, scard.ErrServiceStopped):
		return fmt.Errorf("%w: %w", card.ErrTransportUnavailable, err)
	default:
		return err
	}
}
