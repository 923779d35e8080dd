package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gregLibert/cardwallet/internal/syncutil"
)

// Entry is one audited wallet operation.
type Entry struct {
	ID        uuid.UUID `cbor:"1,keyasint"`
	Time      time.Time `cbor:"2,keyasint"`
	CardID    string    `cbor:"3,keyasint,omitempty"`
	Operation string    `cbor:"4,keyasint"`
	Success   bool      `cbor:"5,keyasint"`
	Detail    string    `cbor:"6,keyasint,omitempty"`
}

// AuditSink receives one Entry per wallet operation.
type AuditSink interface {
	Record(ctx context.Context, e Entry) error
}

// SlogAudit writes entries as structured log records.
type SlogAudit struct {
	logger *slog.Logger
}

func NewSlogAudit(logger *slog.Logger) *SlogAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAudit{logger: logger}
}

func (a *SlogAudit) Record(ctx context.Context, e Entry) error {
	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(ctx, level, "wallet audit",
		slog.String("id", e.ID.String()),
		slog.Time("time", e.Time),
		slog.String("card_id", e.CardID),
		slog.String("operation", e.Operation),
		slog.Bool("success", e.Success),
		slog.String("detail", e.Detail),
	)
	return nil
}

// Journal appends entries to w as a stream of CBOR maps, one item per entry.
type Journal struct {
	mu  syncutil.Mutex
	enc *cbor.Encoder
}

var journalEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func NewJournal(w io.Writer) *Journal {
	return &Journal{enc: journalEncMode.NewEncoder(w)}
}

func (j *Journal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("audit journal: %w", err)
	}
	return nil
}

// ReadJournal decodes every entry written by a Journal.
func ReadJournal(r io.Reader) ([]Entry, error) {
	dec := cbor.NewDecoder(r)

	var entries []Entry
	for {
		var e Entry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("audit journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}

// Tee records to every sink and joins their errors.
type Tee []AuditSink

func (t Tee) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, sink := range t {
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
