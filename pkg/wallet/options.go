package wallet

import (
	"io"
	"log/slog"
	"time"

	"github.com/gregLibert/cardwallet/pkg/photo"
)

// Options configures a Service.
type Options struct {
	Logger *slog.Logger
	Audit  AuditSink
	Codec  *photo.Codec
	Clock  func() time.Time
	Random io.Reader
}

type Option func(*Options)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *Options) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

func WithAudit(sink AuditSink) Option {
	return func(opts *Options) {
		opts.Audit = sink
	}
}

func WithCodec(codec *photo.Codec) Option {
	return func(opts *Options) {
		opts.Codec = codec
	}
}

func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		if now != nil {
			opts.Clock = now
		}
	}
}

// WithRandom sets the source of challenge bytes.
func WithRandom(r io.Reader) Option {
	return func(opts *Options) {
		if r != nil {
			opts.Random = r
		}
	}
}
