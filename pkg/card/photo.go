package card

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gregLibert/cardwallet/pkg/iso7816"
	"github.com/samber/lo"
)

// maxPhotoLength is the largest length PHOTO BEGIN and PHOTO SIZE can express (u16).
const maxPhotoLength = 0xFFFF

// UploadPhoto stores data on the card in chunks. The whole transfer runs under the
// transfer timeout.
func (c *Client) UploadPhoto(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPhoto
	}
	if len(data) > c.opts.PhotoBudget {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrPhotoTooLarge, len(data), c.opts.PhotoBudget)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.watchdog(ctx, "photo upload", func(ctx context.Context) ([]byte, error) {
		return nil, c.upload(ctx, data)
	})
	return err
}

// DownloadPhoto reads the stored photo back. It fails with ErrNoPhoto when the card holds none.
func (c *Client) DownloadPhoto(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return nil, err
	}

	return c.watchdog(ctx, "photo download", c.download)
}

// watchdog runs fn on its own goroutine and gives up after the transfer timeout.
// On expiry the transfer context is cancelled and the connection is marked suspect.
// fn stops at its next step; release waits for it before the transport is reused.
// Must be called with mu held.
func (c *Client) watchdog(ctx context.Context, op string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		data, err := fn(tctx)
		done <- result{data, err}
	}()

	timer := time.NewTimer(c.opts.TransferTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.data, r.err
	case <-timer.C:
		c.suspect = true
		c.abandoned = finished
		c.logger.Warn("transfer timed out, connection marked suspect", "op", op, "timeout", c.opts.TransferTimeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, op, c.opts.TransferTimeout)
	}
}

func (c *Client) upload(ctx context.Context, data []byte) error {
	begin := binary.BigEndian.AppendUint16(nil, uint16(len(data)))
	if err := c.transmitOK(ctx, iso7816.INS_PHOTO_BEGIN, begin); err != nil {
		return err
	}

	chunks := lo.Chunk(data, c.opts.ChunkSize)
	for i, chunk := range chunks {
		if err := c.transmitOK(ctx, iso7816.INS_PHOTO_WRITE, chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	c.logger.Info("photo uploaded", "bytes", len(data), "chunks", len(chunks))
	return nil
}

func (c *Client) download(ctx context.Context) ([]byte, error) {
	resp, err := c.transmit(ctx, iso7816.INS_PHOTO_SIZE, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status == iso7816.SW_WALLET_NO_PHOTO {
		return nil, ErrNoPhoto
	}
	if !resp.IsSuccess() {
		return nil, iso7816.NewProtocolError(iso7816.INS_PHOTO_SIZE, resp)
	}
	if len(resp.Data) < 2 {
		return nil, fmt.Errorf("%s: %w: %d bytes", iso7816.INS_PHOTO_SIZE, iso7816.ErrMalformedResponse, len(resp.Data))
	}

	size := int(binary.BigEndian.Uint16(resp.Data))
	if size == 0 {
		return nil, ErrNoPhoto
	}

	out := make([]byte, 0, size)
	for len(out) < size {
		n := min(c.opts.ChunkSize, size-len(out))
		req := binary.BigEndian.AppendUint16(nil, uint16(len(out)))
		req = append(req, byte(n))

		resp, err := c.transmit(ctx, iso7816.INS_PHOTO_READ, req)
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("offset %d: %w", len(out), iso7816.NewProtocolError(iso7816.INS_PHOTO_READ, resp))
		}
		if len(resp.Data) == 0 || len(resp.Data) > n {
			return nil, fmt.Errorf("%s at offset %d: %w: asked %d bytes, got %d",
				iso7816.INS_PHOTO_READ, len(out), iso7816.ErrMalformedResponse, n, len(resp.Data))
		}
		out = append(out, resp.Data...)
	}

	c.logger.Info("photo downloaded", "bytes", len(out))
	return out, nil
}

func (c *Client) transmitOK(ctx context.Context, ins iso7816.InsCode, data []byte) error {
	resp, err := c.transmit(ctx, ins, data)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return iso7816.NewProtocolError(ins, resp)
	}
	return nil
}
