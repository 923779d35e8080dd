package photo

import "log/slog"

// Options configures a Codec.
type Options struct {
	Logger       *slog.Logger
	MaxDimension int
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

// WithMaxDimension sets the longest side images are reduced to before encoding.
// Values <= 0 are ignored.
func WithMaxDimension(px int) Option {
	return func(opts *Options) {
		if px > 0 {
			opts.MaxDimension = px
		}
	}
}

func NewOptions(opts ...Option) *Options {
	oo := &Options{
		Logger:       slog.Default(),
		MaxDimension: DefaultMaxDimension,
	}

	for _, opt := range opts {
		opt(oo)
	}

	return oo
}
