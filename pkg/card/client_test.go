package card

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregLibert/cardwallet/internal/cardsim"
	"github.com/gregLibert/cardwallet/pkg/iso7816"
	"github.com/gregLibert/cardwallet/pkg/keys"
	"github.com/gregLibert/cardwallet/pkg/pin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIN = "1234"

func newTestClient(sim *cardsim.Card, opts ...Option) *Client {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewClient(sim, opts...)
}

// connected returns a client on an initialized card whose PIN has been verified.
func connected(t *testing.T, simOpts ...cardsim.Option) (*Client, *cardsim.Card) {
	t.Helper()
	sim := cardsim.New(append([]cardsim.Option{cardsim.WithPIN(testPIN)}, simOpts...)...)
	c := newTestClient(sim)
	require.NoError(t, c.Connect(context.Background()))

	outcome, err := c.VerifyPIN(context.Background(), testPIN)
	require.NoError(t, err)
	require.Equal(t, pin.Verified, outcome.Status)
	return c, sim
}

func count(ins []iso7816.InsCode, want iso7816.InsCode) int {
	n := 0
	for _, i := range ins {
		if i == want {
			n++
		}
	}
	return n
}

// exclusiveTransport fails any Transmit that overlaps another one.
type exclusiveTransport struct {
	*cardsim.Card
	busy     atomic.Int32
	overlaps atomic.Int32
}

func (e *exclusiveTransport) Transmit(cmd []byte) ([]byte, error) {
	if e.busy.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.busy.Add(-1)

	time.Sleep(time.Millisecond)
	return e.Card.Transmit(cmd)
}

func TestConnect(t *testing.T) {
	sim := cardsim.New()
	c := newTestClient(sim)
	ctx := context.Background()

	assert.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, Connected, c.State())

	app := c.Application()
	require.NotNil(t, app)
	assert.Equal(t, cardsim.AppletLabel, app.Label())
	assert.Equal(t, 15360, app.PhotoCapacity())

	// connecting again does not touch the card
	sent := len(sim.Instructions())
	require.NoError(t, c.Connect(ctx))
	assert.Len(t, sim.Instructions(), sent)
}

func TestConnect_T0Card(t *testing.T) {
	sim := cardsim.New(cardsim.WithT0())
	c := newTestClient(sim)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "1.2", c.Application().Version())
	assert.Equal(t, []iso7816.InsCode{iso7816.INS_SELECT, iso7816.INS_GET_RESPONSE}, sim.Instructions())
}

func TestConnect_TransportUnavailable(t *testing.T) {
	for _, cause := range []error{ErrNoCard, ErrNoReader} {
		c := newTestClient(cardsim.New(cardsim.WithConnectError(cause)))

		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrTransportUnavailable)
		assert.Equal(t, Disconnected, c.State())
	}

	c := newTestClient(cardsim.New(cardsim.WithConnectError(errors.New("pcsc service down"))))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrTransportUnavailable)
}

func TestConnect_AppletMissing(t *testing.T) {
	c := newTestClient(cardsim.New(), WithApplicationID([]byte{0xA0, 0x00, 0x00, 0x00, 0x01}))

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAppletNotSelected)

	var pe *iso7816.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iso7816.SW_ERR_FILE_NOT_FOUND, pe.Status)
	assert.Equal(t, Disconnected, c.State())
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestClient(cardsim.New(cardsim.WithPIN(testPIN)))
	ctx := context.Background()

	outcome, err := c.VerifyPIN(ctx, testPIN)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, pin.Unknown, outcome.Status)
	_, err = c.Initialize(ctx, testPIN)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.CardID(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.ChangePIN(ctx, testPIN, "0000")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Balance(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.TopUp(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Pay(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.PublicKeyBytes(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.SignChallenge(ctx, []byte{1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.UploadPhoto(ctx, []byte{1}), ErrNotConnected)
	_, err = c.DownloadPhoto(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestVerifyPIN_CardOwnsRetryCounter(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN))
	c := newTestClient(sim)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	steps := []struct {
		pin  string
		want pin.Outcome
	}{
		{"0000", pin.Outcome{Status: pin.Rejected, RemainingTries: 2}},
		{"0000", pin.Outcome{Status: pin.Rejected, RemainingTries: 1}},
		{"0000", pin.Outcome{Status: pin.Blocked}},
		{testPIN, pin.Outcome{Status: pin.Blocked}},
	}

	for i, step := range steps {
		got, err := c.VerifyPIN(ctx, step.pin)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, step.want, got, "attempt %d", i+1)
	}
	assert.Equal(t, 0, sim.RemainingTries())
}

func TestVerifyPIN_InvalidFormatSendsNothing(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN))
	c := newTestClient(sim)
	require.NoError(t, c.Connect(context.Background()))
	sent := len(sim.Instructions())

	_, err := c.VerifyPIN(context.Background(), "12a4")
	assert.ErrorIs(t, err, pin.ErrInvalidPIN)
	assert.Len(t, sim.Instructions(), sent)
}

func TestInitialize(t *testing.T) {
	sim := cardsim.New(cardsim.WithCardID("CW-4242"))
	c := newTestClient(sim)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	id, err := c.Initialize(ctx, "5678")
	require.NoError(t, err)
	assert.Equal(t, "CW-4242", id)

	id, err = c.CardID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CW-4242", id)

	_, err = c.Initialize(ctx, "5678")
	require.ErrorIs(t, err, ErrInitializeRejected)
	var pe *iso7816.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iso7816.SW_ERR_COND_OF_USE, pe.Status)
}

func TestCardID_Uninitialized(t *testing.T) {
	c := newTestClient(cardsim.New())
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CardID(context.Background())
	var pe *iso7816.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iso7816.INS_GET_CARD_ID, pe.Instruction)
}

func TestChangePIN(t *testing.T) {
	c, _ := connected(t)
	ctx := context.Background()

	ok, err := c.ChangePIN(ctx, "9999", "4321")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ChangePIN(ctx, testPIN, "4321")
	require.NoError(t, err)
	assert.True(t, ok)

	outcome, err := c.VerifyPIN(ctx, "4321")
	require.NoError(t, err)
	assert.Equal(t, pin.Verified, outcome.Status)
}

func TestBalanceOperations(t *testing.T) {
	c, sim := connected(t, cardsim.WithBalance(100))
	ctx := context.Background()

	balance, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(100), balance)

	balance, err = c.TopUp(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(150), balance)

	balance, err = c.Pay(ctx, 120)
	require.NoError(t, err)
	assert.Equal(t, int32(30), balance)

	_, err = c.Pay(ctx, 31)
	var payErr *PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, InsufficientFunds, payErr.Kind)
	assert.Equal(t, iso7816.SW_WALLET_INSUFFICIENT_FUNDS, payErr.Status)
	assert.Equal(t, int32(30), sim.Balance())
}

func TestBalanceOperations_NonPositiveAmountRejectedLocally(t *testing.T) {
	c, sim := connected(t, cardsim.WithBalance(100))
	ctx := context.Background()
	sent := len(sim.Instructions())

	for _, amount := range []int32{0, -1, -2147483648} {
		_, err := c.Pay(ctx, amount)
		var payErr *PaymentError
		require.ErrorAs(t, err, &payErr)
		assert.Equal(t, InvalidAmount, payErr.Kind)
		assert.Zero(t, payErr.Status)

		_, err = c.TopUp(ctx, amount)
		require.ErrorAs(t, err, &payErr)
		assert.Equal(t, InvalidAmount, payErr.Kind)
	}
	assert.Len(t, sim.Instructions(), sent)
}

func TestBalanceOperations_RequirePIN(t *testing.T) {
	c := newTestClient(cardsim.New(cardsim.WithPIN(testPIN)))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Balance(context.Background())
	var payErr *PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, NotAuthenticated, payErr.Kind)

	var pe *iso7816.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, iso7816.SW_ERR_SECURITY_STATUS, pe.Status)
}

func TestPaymentError(t *testing.T) {
	local := &PaymentError{Op: iso7816.INS_PAYMENT, Kind: InvalidAmount, Amount: -5}
	assert.Equal(t, "PAYMENT -5: invalid amount", local.Error())
	assert.Nil(t, local.Unwrap())

	remote := &PaymentError{Op: iso7816.INS_TOP_UP, Kind: Rejected, Amount: 5, Status: iso7816.SW_ERR_UNKNOWN}
	assert.Equal(t, "TOP UP 5: rejected by card (6F00)", remote.Error())
}

func TestPublicKeyAndSignature(t *testing.T) {
	c, sim := connected(t)
	ctx := context.Background()

	raw, err := c.PublicKeyBytes(ctx)
	require.NoError(t, err)
	material, err := keys.ParsePublicKey(raw)
	require.NoError(t, err)
	pub, err := keys.ToPublicKey(material)
	require.NoError(t, err)
	assert.True(t, pub.Equal(sim.PublicKey()))

	challenge := bytes.Repeat([]byte{0x5A}, 20)
	sig, err := c.SignChallenge(ctx, challenge)
	require.NoError(t, err)

	ok, err := keys.VerifySignature(sig, pub, challenge)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.SignChallenge(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidChallenge)
	_, err = c.SignChallenge(ctx, make([]byte, 256))
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestPhotoRoundTrip(t *testing.T) {
	for _, simOpts := range [][]cardsim.Option{nil, {cardsim.WithT0()}} {
		c, sim := connected(t, simOpts...)
		ctx := context.Background()

		data := make([]byte, 1000)
		for i := range data {
			data[i] = byte(i * 7)
		}

		require.NoError(t, c.UploadPhoto(ctx, data))
		assert.Equal(t, data, sim.Photo())
		assert.Equal(t, 5, count(sim.Instructions(), iso7816.INS_PHOTO_WRITE))

		got, err := c.DownloadPhoto(ctx)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Equal(t, 5, count(sim.Instructions(), iso7816.INS_PHOTO_READ))
	}
}

func TestPhoto_ChunkSizeOption(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN))
	c := newTestClient(sim, WithChunkSize(100))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	_, err := c.VerifyPIN(ctx, testPIN)
	require.NoError(t, err)

	require.NoError(t, c.UploadPhoto(ctx, make([]byte, 250)))
	assert.Equal(t, 3, count(sim.Instructions(), iso7816.INS_PHOTO_WRITE))
}

func TestPhoto_Validation(t *testing.T) {
	c, sim := connected(t)
	ctx := context.Background()
	sent := len(sim.Instructions())

	assert.ErrorIs(t, c.UploadPhoto(ctx, nil), ErrEmptyPhoto)
	assert.ErrorIs(t, c.UploadPhoto(ctx, make([]byte, 15361)), ErrPhotoTooLarge)
	assert.Len(t, sim.Instructions(), sent)

	_, err := c.DownloadPhoto(ctx)
	assert.ErrorIs(t, err, ErrNoPhoto)
}

func TestPhoto_WatchdogMarksConnectionSuspect(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN))
	c := newTestClient(sim, WithTransferTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	_, err := c.VerifyPIN(ctx, testPIN)
	require.NoError(t, err)

	sim.SetDelay(300 * time.Millisecond)

	start := time.Now()
	err = c.UploadPhoto(ctx, make([]byte, 600))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	_, err = c.Balance(ctx)
	assert.ErrorIs(t, err, ErrConnectionSuspect)
	_, err = c.DownloadPhoto(ctx)
	assert.ErrorIs(t, err, ErrConnectionSuspect)
	assert.Equal(t, Connected, c.State())

	sim.SetDelay(0)
	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State())

	require.NoError(t, c.Connect(ctx))
	outcome, err := c.VerifyPIN(ctx, testPIN)
	require.NoError(t, err)
	assert.Equal(t, pin.Verified, outcome.Status)
}

func TestConnect_ClearsSuspectState(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN))
	c := newTestClient(sim, WithTransferTimeout(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sim.SetDelay(200 * time.Millisecond)
	_, err := c.DownloadPhoto(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	sim.SetDelay(0)
	require.NoError(t, c.Connect(ctx))
	_, err = c.VerifyPIN(ctx, testPIN)
	assert.NoError(t, err)
}

func TestConnect_AbandonedTransferNeverReachesNewConnection(t *testing.T) {
	sim := cardsim.New(cardsim.WithPIN(testPIN), cardsim.WithT0())
	c := newTestClient(sim, WithTransferTimeout(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	sim.SetDelay(150 * time.Millisecond)
	_, err := c.DownloadPhoto(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	sim.SetDelay(0)
	require.NoError(t, c.Connect(ctx))
	time.Sleep(200 * time.Millisecond)

	log := sim.Instructions()
	last := -1
	for i, ins := range log {
		if ins == iso7816.INS_SELECT {
			last = i
		}
	}
	require.Positive(t, last)
	for _, ins := range log[last+1:] {
		assert.Equal(t, iso7816.INS_GET_RESPONSE, ins, "unexpected command after reconnect: %v", log)
	}
	assert.Zero(t, count(log, iso7816.INS_PHOTO_SIZE))
}

func TestDisconnect_Idempotent(t *testing.T) {
	c, _ := connected(t)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State())
	assert.Nil(t, c.Application())
}

func TestCancelledContext(t *testing.T) {
	c, sim := connected(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent := len(sim.Instructions())

	_, err := c.Balance(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	err = c.UploadPhoto(ctx, []byte{1, 2, 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sim.Instructions(), sent)
}

func TestClient_ConcurrentCallersShareOneConnection(t *testing.T) {
	link := &exclusiveTransport{Card: cardsim.New(cardsim.WithPIN(testPIN), cardsim.WithBalance(0))}
	c := NewClient(link, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	_, err := c.VerifyPIN(ctx, testPIN)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*3)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.VerifyPIN(ctx, testPIN); err != nil {
				errs <- err
			}
			if _, err := c.TopUp(ctx, 5); err != nil {
				errs <- err
			}
			if _, err := c.Balance(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, link.overlaps.Load(), "commands overlapped on the card connection")
	assert.Equal(t, int32(workers*5), link.Balance())
}

func TestNewOptions_IgnoresInvalidValues(t *testing.T) {
	o := NewOptions(WithLogger(nil), WithApplicationID(nil), WithChunkSize(0), WithPhotoBudget(maxPhotoLength+1))
	assert.NotNil(t, o.Logger)
	assert.Equal(t, DefaultApplicationID, o.ApplicationID)
	assert.Equal(t, DefaultChunkSize, o.ChunkSize)

	c := NewClient(cardsim.New(), WithLogger(nil))
	assert.Equal(t, o.PhotoBudget, c.PhotoBudget())
	s := NewSession(c)
	assert.NoError(t, s.Close())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
}
