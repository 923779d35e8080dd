// Package card drives the wallet applet over a card Transport.
//
// A Client owns one physical connection. Every operation is serialized behind a single
// lock because the channel is half-duplex: one command, one response. Callers that must
// not block use a Session, which queues operations on a dedicated goroutine.
//
// Connection lifecycle:
//
//	Disconnected --Connect (SELECT 9000)--> Connected --Disconnect--> Disconnected
//
// A photo transfer that exceeds the transfer timeout leaves the connection suspect: the
// card may still be processing. Only Disconnect or Connect clear that state.
package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/gregLibert/cardwallet/pkg/iso7816"
	"github.com/gregLibert/cardwallet/pkg/pin"
)

// Transport is the physical link to a card reader.
type Transport interface {
	Connect() error
	Transmit(cmd []byte) ([]byte, error)
	Disconnect() error
}

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Disconnected"
}

// Client is safe for concurrent use.
type Client struct {
	mu syncutil.Mutex

	transport Transport
	apdu      *iso7816.Client
	opts      *Options
	logger    *slog.Logger

	state   State
	suspect bool
	app     *iso7816.FCI

	// abandoned is closed when the worker of a timed-out transfer returns.
	abandoned <-chan struct{}
}

func NewClient(transport Transport, opts ...Option) *Client {
	o := NewOptions(opts...)
	return &Client{
		transport: transport,
		apdu:      iso7816.NewClient(transport),
		opts:      o,
		logger:    o.Logger,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return syncutil.With(&c.mu, func() State { return c.state })
}

// Application returns the FCI the applet sent on SELECT, nil if it sent none.
func (c *Client) Application() *iso7816.FCI {
	return syncutil.With(&c.mu, func() *iso7816.FCI { return c.app })
}

// PhotoBudget returns the largest photo UploadPhoto accepts.
func (c *Client) PhotoBudget() int {
	return c.opts.PhotoBudget
}

// Connect opens the transport and selects the wallet applet. It is a no-op when
// already connected, and re-establishes a suspect connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected && !c.suspect {
		return nil
	}
	if c.state == Connected {
		c.logger.Info("reconnecting suspect card connection")
		c.release()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.transport.Connect(); err != nil {
		return transportError("connect", err)
	}

	trace, err := c.apdu.Send(iso7816.SelectByAID(c.opts.ApplicationID))
	if err != nil {
		c.release()
		return fmt.Errorf("%w: %w", ErrAppletNotSelected, err)
	}

	result, err := iso7816.NewSelectResult(trace)
	if err != nil {
		c.release()
		return fmt.Errorf("%w: %w", ErrAppletNotSelected, err)
	}
	c.logger.Debug("select", "aid", fmt.Sprintf("%X", c.opts.ApplicationID), "steps", len(trace),
		"status", trace.Response().Status.String())

	if !result.IsSuccess() {
		c.release()
		return fmt.Errorf("%w: %w", ErrAppletNotSelected, iso7816.NewProtocolError(iso7816.INS_SELECT, trace.Response()))
	}

	fci, err := result.FCI()
	if err != nil {
		// the FCI is informational only
		c.logger.Warn("ignoring unreadable FCI", "error", err)
		fci = nil
	}

	c.state = Connected
	c.suspect = false
	c.app = fci
	c.logger.Info("wallet applet selected", "label", fci.Label(), "version", fci.Version())
	return nil
}

// Disconnect releases the transport. It always leaves the client Disconnected and may be
// called any number of times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected {
		return nil
	}
	return c.release()
}

// release must be called with mu held. It does not return while a timed-out transfer
// worker may still reach the transport.
func (c *Client) release() error {
	err := c.transport.Disconnect()
	if c.abandoned != nil {
		c.logger.Debug("waiting for abandoned transfer to stop")
		<-c.abandoned
		c.abandoned = nil
	}
	c.state = Disconnected
	c.suspect = false
	c.app = nil
	if err != nil {
		c.logger.Warn("transport disconnect failed", "error", err)
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Initialize personalizes a blank card with its first PIN and returns the card ID.
func (c *Client) Initialize(ctx context.Context, pinCode string) (string, error) {
	data, err := pin.Encode(pinCode)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, iso7816.INS_INITIALIZE, data)
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: %w", ErrInitializeRejected, iso7816.NewProtocolError(iso7816.INS_INITIALIZE, resp))
	}
	return trimID(resp.Data), nil
}

// CardID reads the identifier assigned at initialization.
func (c *Client) CardID(ctx context.Context) (string, error) {
	resp, err := c.expectSuccess(ctx, iso7816.INS_GET_CARD_ID, nil)
	if err != nil {
		return "", err
	}
	return trimID(resp.Data), nil
}

// VerifyPIN submits one PIN attempt. Rejection and blocking are outcomes, not errors:
// the error is reserved for transport and state failures.
func (c *Client) VerifyPIN(ctx context.Context, pinCode string) (pin.Outcome, error) {
	data, err := pin.Encode(pinCode)
	if err != nil {
		return pin.Outcome{}, err
	}

	resp, err := c.do(ctx, iso7816.INS_VERIFY_PIN, data)
	if err != nil {
		return pin.Outcome{}, err
	}

	outcome := pin.Interpret(resp)
	c.logger.Info("pin verification", "outcome", outcome.String())
	return outcome, nil
}

// ChangePIN replaces the PIN. The result comes from the status word only.
func (c *Client) ChangePIN(ctx context.Context, oldPIN, newPIN string) (bool, error) {
	data, err := pin.EncodeChange(oldPIN, newPIN)
	if err != nil {
		return false, err
	}

	resp, err := c.do(ctx, iso7816.INS_CHANGE_PIN, data)
	if err != nil {
		return false, err
	}
	return resp.IsSuccess(), nil
}

// Balance returns the stored value.
func (c *Client) Balance(ctx context.Context) (int32, error) {
	return c.amountOp(ctx, iso7816.INS_GET_BALANCE, 0, nil)
}

// TopUp credits amount and returns the new balance.
func (c *Client) TopUp(ctx context.Context, amount int32) (int32, error) {
	if amount <= 0 {
		return 0, &PaymentError{Op: iso7816.INS_TOP_UP, Kind: InvalidAmount, Amount: amount}
	}
	return c.amountOp(ctx, iso7816.INS_TOP_UP, amount, iso7816.EncodeAmount(amount))
}

// Pay debits amount and returns the new balance.
func (c *Client) Pay(ctx context.Context, amount int32) (int32, error) {
	if amount <= 0 {
		return 0, &PaymentError{Op: iso7816.INS_PAYMENT, Kind: InvalidAmount, Amount: amount}
	}
	return c.amountOp(ctx, iso7816.INS_PAYMENT, amount, iso7816.EncodeAmount(amount))
}

func (c *Client) amountOp(ctx context.Context, ins iso7816.InsCode, amount int32, data []byte) (int32, error) {
	resp, err := c.do(ctx, ins, data)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, &PaymentError{Op: ins, Kind: paymentKind(resp.Status), Amount: amount, Status: resp.Status}
	}

	balance, err := iso7816.DecodeAmount(resp.Data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ins, err)
	}
	return balance, nil
}

// PublicKeyBytes returns the card's public key in its export layout, see package keys.
func (c *Client) PublicKeyBytes(ctx context.Context) ([]byte, error) {
	resp, err := c.expectSuccess(ctx, iso7816.INS_GET_PUBLIC_KEY, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SignChallenge asks the card to sign challenge with its private key.
func (c *Client) SignChallenge(ctx context.Context, challenge []byte) ([]byte, error) {
	if len(challenge) == 0 || len(challenge) > iso7816.MaxShortLc {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChallenge, len(challenge))
	}

	resp, err := c.expectSuccess(ctx, iso7816.INS_SIGN_CHALLENGE, challenge)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// do runs one command under the lock.
func (c *Client) do(ctx context.Context, ins iso7816.InsCode, data []byte) (*iso7816.ResponseAPDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.transmit(ctx, ins, data)
}

func (c *Client) expectSuccess(ctx context.Context, ins iso7816.InsCode, data []byte) (*iso7816.ResponseAPDU, error) {
	resp, err := c.do(ctx, ins, data)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, iso7816.NewProtocolError(ins, resp)
	}
	return resp, nil
}

// ready must be called with mu held.
func (c *Client) ready() error {
	switch {
	case c.state != Connected:
		return ErrNotConnected
	case c.suspect:
		return ErrConnectionSuspect
	}
	return nil
}

// transmit sends one logical command and returns the merged response. It does not take
// the lock so that the transfer worker can use it while its caller holds mu.
func (c *Client) transmit(ctx context.Context, ins iso7816.InsCode, data []byte) (*iso7816.ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := iso7816.NewCommandAPDU(ins, 0x00, 0x00, data, 0)
	trace, err := c.apdu.SendContext(ctx, cmd)
	if errors.Is(err, iso7816.ErrTransmit) {
		return nil, transportError(ins.String(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ins, err)
	}

	resp := trace.Result()
	c.logger.Debug("apdu", "command", cmd.String(), "steps", len(trace), "status", resp.Status.String(),
		"data_len", len(resp.Data))
	return resp, nil
}

// transportError tags transport failures so callers can match ErrTransportUnavailable.
func transportError(op string, err error) error {
	if errors.Is(err, ErrTransportUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransportUnavailable, err)
}

func trimID(b []byte) string {
	return strings.Trim(string(b), "\x00 ")
}
