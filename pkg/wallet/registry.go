package wallet

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/gregLibert/cardwallet/pkg/keys"
	"github.com/samber/lo"
)

var (
	ErrUnknownCard     = errors.New("card not enrolled")
	ErrAlreadyEnrolled = errors.New("card already enrolled")
	ErrInvalidRecord   = errors.New("invalid card record")
)

// Status is the host-side view of a card. The card's own PIN counter stays authoritative;
// Blocked only mirrors what the card reported.
type Status int

const (
	Active Status = iota
	Blocked
)

func (s Status) String() string {
	if s == Blocked {
		return "Blocked"
	}
	return "Active"
}

// Record is what the host keeps about an enrolled card.
type Record struct {
	CardID     string
	PublicKey  *rsa.PublicKey
	Status     Status
	EnrolledAt time.Time
}

// Registry stores enrolled cards.
type Registry interface {
	Register(ctx context.Context, r Record) error
	Lookup(ctx context.Context, cardID string) (Record, error)
	SetStatus(ctx context.Context, cardID string, status Status) error
}

// MemoryRegistry is a Registry held in process memory.
type MemoryRegistry struct {
	mu      syncutil.RWMutex
	records map[string]Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

func (m *MemoryRegistry) Register(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(r.CardID) == "" || r.PublicKey == nil {
		return fmt.Errorf("%w: card ID and public key are required", ErrInvalidRecord)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.CardID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, r.CardID)
	}
	m.records[r.CardID] = r
	return nil
}

func (m *MemoryRegistry) Lookup(ctx context.Context, cardID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[cardID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	return r, nil
}

func (m *MemoryRegistry) SetStatus(ctx context.Context, cardID string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[cardID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	r.Status = status
	m.records[cardID] = r
	return nil
}

// List returns every record ordered by card ID.
func (m *MemoryRegistry) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := lo.Values(m.records)
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.CardID, b.CardID) })
	return records
}

// recordSnapshot is the persisted form of a Record. The key uses the card export layout.
type recordSnapshot struct {
	CardID     string    `cbor:"1,keyasint"`
	PublicKey  []byte    `cbor:"2,keyasint"`
	Status     Status    `cbor:"3,keyasint"`
	EnrolledAt time.Time `cbor:"4,keyasint"`
}

// Save writes every record to w as one CBOR array.
func (m *MemoryRegistry) Save(w io.Writer) error {
	records := m.List()

	snaps := make([]recordSnapshot, 0, len(records))
	for _, r := range records {
		material, err := keys.FromPublicKey(r.PublicKey)
		if err != nil {
			return fmt.Errorf("save %s: %w", r.CardID, err)
		}
		raw, err := material.Bytes()
		if err != nil {
			return fmt.Errorf("save %s: %w", r.CardID, err)
		}
		snaps = append(snaps, recordSnapshot{CardID: r.CardID, PublicKey: raw, Status: r.Status, EnrolledAt: r.EnrolledAt})
	}

	if err := journalEncMode.NewEncoder(w).Encode(snaps); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// LoadRegistry reads records written by Save.
func LoadRegistry(r io.Reader) (*MemoryRegistry, error) {
	var snaps []recordSnapshot
	if err := cbor.NewDecoder(r).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	m := NewMemoryRegistry()
	for _, s := range snaps {
		material, err := keys.ParsePublicKey(s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", s.CardID, err)
		}
		pub, err := keys.ToPublicKey(material)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", s.CardID, err)
		}
		m.records[s.CardID] = Record{CardID: s.CardID, PublicKey: pub, Status: s.Status, EnrolledAt: s.EnrolledAt}
	}
	return m, nil
}
