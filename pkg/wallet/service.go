// Package wallet orchestrates card operations for a host application: enrollment,
// unlocking through PIN and challenge-response, value operations and the card photo.
//
// A Service talks to the card only through a card.Session, so a caller never blocks
// the card channel for another. Every operation writes exactly one audit entry.
package wallet

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/gregLibert/cardwallet/pkg/card"
	"github.com/gregLibert/cardwallet/pkg/keys"
	"github.com/gregLibert/cardwallet/pkg/photo"
	"github.com/gregLibert/cardwallet/pkg/pin"
)

// ChallengeSize is the number of random bytes the card signs to prove it holds its key.
const ChallengeSize = 20

var (
	// ErrCardNotAuthentic means the card signature does not match the enrolled key.
	ErrCardNotAuthentic = errors.New("card signature does not match enrolled key")
	ErrUnreadablePhoto  = errors.New("stored photo cannot be decoded")
)

// Audited operation names.
const (
	OpConnect    = "connect"
	OpEnroll     = "enroll"
	OpUnlock     = "unlock"
	OpBalance    = "balance"
	OpTopUp      = "top_up"
	OpPay        = "pay"
	OpChangePIN  = "change_pin"
	OpStorePhoto = "store_photo"
	OpLoadPhoto  = "load_photo"
)

type Service struct {
	session  *card.Session
	registry Registry
	opts     *Options
	logger   *slog.Logger

	mu     syncutil.Mutex
	cardID string
}

func NewService(session *card.Session, registry Registry, opts ...Option) *Service {
	o := &Options{
		Logger: slog.Default(),
		Clock:  time.Now,
		Random: rand.Reader,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Audit == nil {
		o.Audit = NewSlogAudit(o.Logger)
	}
	if o.Codec == nil {
		o.Codec = photo.NewCodec(photo.WithLogger(o.Logger))
	}

	return &Service{
		session:  session,
		registry: registry,
		opts:     o,
		logger:   o.Logger.With("session", session.ID.String()),
	}
}

// CardID returns the ID of the card last enrolled or unlocked, empty before that.
func (s *Service) CardID() string {
	return syncutil.With(&s.mu, func() string { return s.cardID })
}

func (s *Service) setCardID(id string) {
	s.mu.Lock()
	s.cardID = id
	s.mu.Unlock()
}

// Open connects the card and selects the wallet applet.
func (s *Service) Open(ctx context.Context) error {
	_, err := execute(ctx, s, OpConnect, func(ctx context.Context, c *card.Client) (struct{}, string, error) {
		if err := c.Connect(ctx); err != nil {
			return struct{}{}, "", err
		}
		return struct{}{}, fmt.Sprintf("applet %q %s", c.Application().Label(), c.Application().Version()), nil
	})
	return err
}

// Enroll personalizes a blank card with pinCode and registers its public key.
func (s *Service) Enroll(ctx context.Context, pinCode string) (Record, error) {
	return execute(ctx, s, OpEnroll, func(ctx context.Context, c *card.Client) (Record, string, error) {
		id, err := c.Initialize(ctx, pinCode)
		if err != nil {
			return Record{}, "", err
		}
		s.setCardID(id)

		raw, err := c.PublicKeyBytes(ctx)
		if err != nil {
			return Record{}, "", err
		}
		pub, err := parseKey(raw)
		if err != nil {
			return Record{}, "", err
		}

		rec := Record{CardID: id, PublicKey: pub, Status: Active, EnrolledAt: s.opts.Clock()}
		if err := s.registry.Register(ctx, rec); err != nil {
			return Record{}, "", err
		}
		return rec, fmt.Sprintf("rsa-%d", pub.N.BitLen()), nil
	})
}

// Unlock verifies pinCode on the card. When the card accepts it, the card must also sign a
// fresh challenge with the key recorded at enrollment. A PIN rejection is an outcome,
// not an error; a Blocked outcome is mirrored into the registry.
func (s *Service) Unlock(ctx context.Context, pinCode string) (pin.Outcome, error) {
	return execute(ctx, s, OpUnlock, func(ctx context.Context, c *card.Client) (pin.Outcome, string, error) {
		id, err := c.CardID(ctx)
		if err != nil {
			return pin.Outcome{}, "", err
		}
		s.setCardID(id)

		rec, err := s.registry.Lookup(ctx, id)
		if err != nil {
			return pin.Outcome{}, "", err
		}

		outcome, err := c.VerifyPIN(ctx, pinCode)
		if err != nil {
			return pin.Outcome{}, "", err
		}

		switch outcome.Status {
		case pin.Blocked:
			if rec.Status != Blocked {
				if err := s.registry.SetStatus(ctx, id, Blocked); err != nil {
					return outcome, outcome.String(), err
				}
			}
			return outcome, outcome.String(), nil
		case pin.Rejected:
			return outcome, outcome.String(), nil
		}

		if err := s.authenticate(ctx, c, rec); err != nil {
			return pin.Outcome{}, "", err
		}
		return outcome, "pin and signature verified", nil
	})
}

func (s *Service) authenticate(ctx context.Context, c *card.Client, rec Record) error {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(s.opts.Random, challenge); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	sig, err := c.SignChallenge(ctx, challenge)
	if err != nil {
		return err
	}

	ok, err := keys.VerifySignature(sig, rec.PublicKey, challenge)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCardNotAuthentic, rec.CardID)
	}
	return nil
}

func (s *Service) Balance(ctx context.Context) (int32, error) {
	return execute(ctx, s, OpBalance, func(ctx context.Context, c *card.Client) (int32, string, error) {
		b, err := c.Balance(ctx)
		return b, fmt.Sprintf("balance=%d", b), err
	})
}

func (s *Service) TopUp(ctx context.Context, amount int32) (int32, error) {
	return execute(ctx, s, OpTopUp, func(ctx context.Context, c *card.Client) (int32, string, error) {
		b, err := c.TopUp(ctx, amount)
		return b, fmt.Sprintf("amount=%d balance=%d", amount, b), err
	})
}

func (s *Service) Pay(ctx context.Context, amount int32) (int32, error) {
	return execute(ctx, s, OpPay, func(ctx context.Context, c *card.Client) (int32, string, error) {
		b, err := c.Pay(ctx, amount)
		return b, fmt.Sprintf("amount=%d balance=%d", amount, b), err
	})
}

func (s *Service) ChangePIN(ctx context.Context, oldPIN, newPIN string) (bool, error) {
	return execute(ctx, s, OpChangePIN, func(ctx context.Context, c *card.Client) (bool, string, error) {
		ok, err := c.ChangePIN(ctx, oldPIN, newPIN)
		if err == nil && !ok {
			return false, "current pin rejected", nil
		}
		return ok, "", err
	})
}

// StorePhoto compresses img to the smaller of the card capacity and the client photo
// budget, then uploads it. It returns the stored size.
func (s *Service) StorePhoto(ctx context.Context, img image.Image) (int, error) {
	return execute(ctx, s, OpStorePhoto, func(ctx context.Context, c *card.Client) (int, string, error) {
		budget := c.PhotoBudget()
		if capacity := c.Application().PhotoCapacity(); capacity > 0 {
			budget = min(budget, capacity)
		}

		data, err := s.opts.Codec.CompressToBudget(img, budget)
		if err != nil {
			return 0, "", err
		}
		if err := c.UploadPhoto(ctx, data); err != nil {
			return 0, "", err
		}
		return len(data), s.opts.Codec.Describe(data).String(), nil
	})
}

// LoadPhotoBytes downloads the stored photo exactly as the card holds it.
func (s *Service) LoadPhotoBytes(ctx context.Context) ([]byte, error) {
	return execute(ctx, s, OpLoadPhoto, func(ctx context.Context, c *card.Client) ([]byte, string, error) {
		data, err := c.DownloadPhoto(ctx)
		if err != nil {
			return nil, "", err
		}
		return data, s.opts.Codec.Describe(data).String(), nil
	})
}

// LoadPhoto downloads and decodes the stored photo.
func (s *Service) LoadPhoto(ctx context.Context) (image.Image, error) {
	return execute(ctx, s, OpLoadPhoto, func(ctx context.Context, c *card.Client) (image.Image, string, error) {
		data, err := c.DownloadPhoto(ctx)
		if err != nil {
			return nil, "", err
		}
		img := s.opts.Codec.Decompress(data)
		if img == nil {
			return nil, "", fmt.Errorf("%w: %d bytes", ErrUnreadablePhoto, len(data))
		}
		return img, s.opts.Codec.Describe(data).String(), nil
	})
}

// execute runs fn on the session worker and records one audit entry for it.
func execute[T any](ctx context.Context, s *Service, op string, fn func(context.Context, *card.Client) (T, string, error)) (T, error) {
	var detail string
	res := <-card.Submit(ctx, s.session, func(ctx context.Context, c *card.Client) (T, error) {
		v, d, err := fn(ctx, c)
		detail = d
		return v, err
	})
	v, err := res.Get()

	entry := Entry{
		ID:        uuid.New(),
		Time:      s.opts.Clock(),
		CardID:    s.CardID(),
		Operation: op,
		Success:   err == nil,
		Detail:    detail,
	}
	if err != nil {
		entry.Detail = err.Error()
	}
	if auditErr := s.opts.Audit.Record(context.WithoutCancel(ctx), entry); auditErr != nil {
		s.logger.Error("audit record failed", "operation", op, "error", auditErr)
	}

	return v, err
}

func parseKey(raw []byte) (*rsa.PublicKey, error) {
	m, err := keys.ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	return keys.ToPublicKey(m)
}
