package card

import (
	"log/slog"
	"time"

	"github.com/gregLibert/cardwallet/pkg/iso7816"
	"github.com/gregLibert/cardwallet/pkg/photo"
)

const (
	DefaultTransferTimeout = 30 * time.Second
	DefaultChunkSize       = 240
)

// DefaultApplicationID is the AID of the wallet applet.
var DefaultApplicationID = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x00}

// Options configures a Client.
type Options struct {
	Logger          *slog.Logger
	ApplicationID   []byte
	TransferTimeout time.Duration
	ChunkSize       int
	PhotoBudget     int
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

// WithApplicationID selects another applet on Connect. An empty AID is ignored.
func WithApplicationID(aid []byte) Option {
	return func(opts *Options) {
		if len(aid) > 0 {
			opts.ApplicationID = append([]byte(nil), aid...)
		}
	}
}

// WithTransferTimeout bounds a whole photo transfer. Non-positive values are ignored.
func WithTransferTimeout(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.TransferTimeout = d
		}
	}
}

// WithChunkSize sets the photo bytes carried per APDU, 1 to 255.
func WithChunkSize(n int) Option {
	return func(opts *Options) {
		if n > 0 && n <= iso7816.MaxShortLc {
			opts.ChunkSize = n
		}
	}
}

// WithPhotoBudget sets the largest photo UploadPhoto accepts, up to 65535 bytes.
func WithPhotoBudget(n int) Option {
	return func(opts *Options) {
		if n > 0 && n <= maxPhotoLength {
			opts.PhotoBudget = n
		}
	}
}

func NewOptions(opts ...Option) *Options {
	oo := &Options{
		Logger:          slog.Default(),
		ApplicationID:   DefaultApplicationID,
		TransferTimeout: DefaultTransferTimeout,
		ChunkSize:       DefaultChunkSize,
		PhotoBudget:     photo.DefaultBudget,
	}

	for _, opt := range opts {
		opt(oo)
	}

	return oo
}
