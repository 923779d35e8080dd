// Package cardsim is an in-memory wallet applet. It speaks the same APDUs as the card
// program and keeps the same authoritative PIN counter, so the card client can be tested
// without a reader.
package cardsim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gregLibert/cardwallet/internal/syncutil"
	"github.com/gregLibert/cardwallet/pkg/iso7816"
	"github.com/gregLibert/cardwallet/pkg/keys"
	"github.com/gregLibert/cardwallet/pkg/photo"
	"github.com/moov-io/bertlv"
)

const (
	DefaultMaxTries = 3
	DefaultCardID   = "CW-0001"
	AppletLabel     = "CARDWALLET"
)

// DefaultAID matches the AID the card client selects by default.
var DefaultAID = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x00}

// ErrNotPowered is returned by Transmit while the simulated card is not connected.
var ErrNotPowered = errors.New("card not powered")

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
)

// SharedKey returns a 2048-bit key generated once per process, to keep tests fast.
func SharedKey() *rsa.PrivateKey {
	sharedKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(fmt.Sprintf("cardsim: generate key: %v", err))
		}
		sharedKey = k
	})
	return sharedKey
}

// Card is a simulated wallet card. It implements card.Transport and is safe for concurrent use.
type Card struct {
	mu syncutil.Mutex

	aid        []byte
	key        *rsa.PrivateKey
	cardID     string
	connectErr error
	t0         bool
	delay      time.Duration
	capacity   int
	maxTries   int

	connected   bool
	selected    bool
	initialized bool
	verified    bool
	pin         []byte
	tries       int
	balance     int32

	photo         []byte
	photoExpected int

	pending   []byte
	pendingSW iso7816.StatusWord

	log []iso7816.InsCode
}

type Option func(*Card)

// WithKey sets the card key pair.
func WithKey(k *rsa.PrivateKey) Option {
	return func(c *Card) { c.key = k }
}

// WithPIN creates an already initialized card.
func WithPIN(pin string) Option {
	return func(c *Card) {
		c.pin = []byte(pin)
		c.initialized = true
	}
}

func WithBalance(b int32) Option {
	return func(c *Card) { c.balance = b }
}

func WithCardID(id string) Option {
	return func(c *Card) { c.cardID = id }
}

// WithConnectError makes Connect fail with err, like an empty reader.
func WithConnectError(err error) Option {
	return func(c *Card) { c.connectErr = err }
}

// WithT0 answers every response carrying data with 61XX, the way T=0 cards do.
func WithT0() Option {
	return func(c *Card) { c.t0 = true }
}

func WithAID(aid []byte) Option {
	return func(c *Card) { c.aid = aid }
}

func WithPhotoCapacity(n int) Option {
	return func(c *Card) { c.capacity = n }
}

func New(opts ...Option) *Card {
	c := &Card{
		aid:      DefaultAID,
		cardID:   DefaultCardID,
		capacity: photo.DefaultBudget,
		maxTries: DefaultMaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.key == nil {
		c.key = SharedKey()
	}
	c.tries = c.maxTries
	return c
}

// Connect powers the card. Selection state and PIN verification are reset.
func (c *Card) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	c.reset()
	return nil
}

func (c *Card) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.reset()
	return nil
}

func (c *Card) reset() {
	c.selected = false
	c.verified = false
	c.pending = nil
}

// SetDelay makes every following Transmit sleep for d before answering.
func (c *Card) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// SetConnectError changes the Connect failure, nil restores a present card.
func (c *Card) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *Card) Balance() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

func (c *Card) RemainingTries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tries
}

func (c *Card) Photo() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.photo)
}

// PublicKey returns the public half of the card key.
func (c *Card) PublicKey() *rsa.PublicKey {
	return &c.key.PublicKey
}

// Instructions returns the INS bytes received so far, GET RESPONSE included.
func (c *Card) Instructions() []iso7816.InsCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]iso7816.InsCode(nil), c.log...)
}

// Transmit processes one command APDU.
func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotPowered
	}
	if len(cmd) < 4 {
		return sw(iso7816.SW_ERR_WRONG_LENGTH), nil
	}

	ins := iso7816.InsCode(cmd[1])
	c.log = append(c.log, ins)

	if cmd[0] != iso7816.ClassInterindustry {
		return sw(iso7816.SW_ERR_CLA_INVALID), nil
	}

	data, le, ok := body(cmd)
	if !ok {
		return sw(iso7816.SW_ERR_WRONG_LENGTH), nil
	}

	if ins == iso7816.INS_GET_RESPONSE {
		return c.getResponse(le), nil
	}
	c.pending = nil

	payload, status := c.dispatch(ins, cmd[2], data)
	return c.respond(payload, status), nil
}

// body splits the short APDU body into data and Le (0 when absent, 256 for 0x00).
func body(cmd []byte) ([]byte, int, bool) {
	rest := cmd[4:]
	switch {
	case len(rest) == 0:
		return nil, 0, true
	case len(rest) == 1:
		return nil, leValue(rest[0]), true
	}

	lc := int(rest[0])
	if lc == 0 || len(rest) < 1+lc || len(rest) > 2+lc {
		return nil, 0, false
	}
	data := rest[1 : 1+lc]
	if len(rest) == 2+lc {
		return data, leValue(rest[1+lc]), true
	}
	return data, 0, true
}

func leValue(b byte) int {
	if b == 0 {
		return iso7816.MaxShortLe
	}
	return int(b)
}

// respond returns at most 256 data bytes and queues the rest behind 61XX.
func (c *Card) respond(payload []byte, status iso7816.StatusWord) []byte {
	if len(payload) == 0 {
		return sw(status)
	}
	if c.t0 {
		c.pending, c.pendingSW = payload, status
		return sw(moreData(len(payload)))
	}
	if len(payload) <= iso7816.MaxShortLe {
		return append(bytes.Clone(payload), status.SW1(), status.SW2())
	}

	head := payload[:iso7816.MaxShortLe]
	c.pending, c.pendingSW = payload[iso7816.MaxShortLe:], status
	return append(bytes.Clone(head), moreData(len(c.pending)).SW1(), moreData(len(c.pending)).SW2())
}

func (c *Card) getResponse(le int) []byte {
	if len(c.pending) == 0 {
		return sw(iso7816.SW_ERR_COND_OF_USE)
	}
	if le == 0 {
		le = iso7816.MaxShortLe
	}

	n := min(le, len(c.pending))
	out := bytes.Clone(c.pending[:n])
	c.pending = c.pending[n:]

	if len(c.pending) > 0 {
		next := moreData(len(c.pending))
		return append(out, next.SW1(), next.SW2())
	}
	return append(out, c.pendingSW.SW1(), c.pendingSW.SW2())
}

func moreData(n int) iso7816.StatusWord {
	return iso7816.NewStatusWord(0x61, byte(min(n, iso7816.MaxShortLe)%iso7816.MaxShortLe))
}

func sw(s iso7816.StatusWord) []byte {
	return []byte{s.SW1(), s.SW2()}
}

func (c *Card) dispatch(ins iso7816.InsCode, p1 byte, data []byte) ([]byte, iso7816.StatusWord) {
	if ins == iso7816.INS_SELECT {
		return c.selectApplet(p1, data)
	}
	if !c.selected {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}

	switch ins {
	case iso7816.INS_INITIALIZE:
		return c.initialize(data)
	case iso7816.INS_GET_CARD_ID:
		return c.requireInitialized(func() ([]byte, iso7816.StatusWord) {
			return c.paddedID(), iso7816.SW_NO_ERROR
		})
	case iso7816.INS_VERIFY_PIN:
		return c.verifyPIN(data)
	case iso7816.INS_CHANGE_PIN:
		return c.changePIN(data)
	case iso7816.INS_GET_PUBLIC_KEY:
		return c.publicKey()
	case iso7816.INS_SIGN_CHALLENGE:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) { return c.sign(data) })
	case iso7816.INS_GET_BALANCE:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) {
			return iso7816.EncodeAmount(c.balance), iso7816.SW_NO_ERROR
		})
	case iso7816.INS_TOP_UP:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) { return c.topUp(data) })
	case iso7816.INS_PAYMENT:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) { return c.pay(data) })
	case iso7816.INS_PHOTO_BEGIN:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) { return c.photoBegin(data) })
	case iso7816.INS_PHOTO_WRITE:
		return c.requireVerified(func() ([]byte, iso7816.StatusWord) { return c.photoWrite(data) })
	case iso7816.INS_PHOTO_SIZE:
		return c.photoSize()
	case iso7816.INS_PHOTO_READ:
		return c.photoRead(data)
	default:
		return nil, iso7816.SW_ERR_INS_INVALID
	}
}

func (c *Card) requireInitialized(fn func() ([]byte, iso7816.StatusWord)) ([]byte, iso7816.StatusWord) {
	if !c.initialized {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}
	return fn()
}

func (c *Card) requireVerified(fn func() ([]byte, iso7816.StatusWord)) ([]byte, iso7816.StatusWord) {
	if !c.verified {
		return nil, iso7816.SW_ERR_SECURITY_STATUS
	}
	return fn()
}

func (c *Card) selectApplet(p1 byte, aid []byte) ([]byte, iso7816.StatusWord) {
	if p1 != byte(iso7816.SelectByDFName) {
		return nil, iso7816.SW_ERR_WRONG_P1P2
	}
	if !bytes.Equal(aid, c.aid) {
		return nil, iso7816.SW_ERR_FILE_NOT_FOUND
	}
	c.selected = true
	c.verified = false
	return c.fci(), iso7816.SW_NO_ERROR
}

func (c *Card) fci() []byte {
	capacity := binary.BigEndian.AppendUint16(nil, uint16(c.capacity))
	out, err := bertlv.Encode([]bertlv.TLV{
		bertlv.NewComposite("6F",
			bertlv.NewTag("84", c.aid),
			bertlv.NewComposite("A5",
				bertlv.NewTag("50", []byte(AppletLabel)),
				bertlv.NewTag("9F08", []byte{0x01, 0x02}),
				bertlv.NewTag("DF01", capacity),
			),
		),
	})
	if err != nil {
		return nil
	}
	return out
}

func (c *Card) initialize(data []byte) ([]byte, iso7816.StatusWord) {
	if c.initialized {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}
	if len(data) != 4 {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	c.pin = bytes.Clone(data)
	c.tries = c.maxTries
	c.initialized = true
	return c.paddedID(), iso7816.SW_NO_ERROR
}

// paddedID mimics the fixed-width ID field of the card program.
func (c *Card) paddedID() []byte {
	id := make([]byte, 16)
	copy(id, c.cardID)
	return id
}

// checkPIN applies the retry counter. It returns nil on success, otherwise the
// response to send back.
func (c *Card) checkPIN(candidate []byte) ([]byte, iso7816.StatusWord, bool) {
	if c.tries == 0 {
		return nil, iso7816.SW_ERR_AUTH_BLOCKED, false
	}
	if bytes.Equal(candidate, c.pin) {
		c.tries = c.maxTries
		return nil, iso7816.SW_NO_ERROR, true
	}

	c.tries--
	c.verified = false
	if c.tries == 0 {
		return []byte{0}, iso7816.SW_ERR_AUTH_BLOCKED, false
	}
	return []byte{byte(c.tries)}, iso7816.SW_ERR_SECURITY_STATUS, false
}

func (c *Card) verifyPIN(data []byte) ([]byte, iso7816.StatusWord) {
	if !c.initialized {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}
	if len(data) != 4 {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	payload, status, ok := c.checkPIN(data)
	c.verified = ok
	return payload, status
}

func (c *Card) changePIN(data []byte) ([]byte, iso7816.StatusWord) {
	if !c.initialized {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}
	if len(data) != 8 {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	payload, status, ok := c.checkPIN(data[:4])
	if ok {
		c.pin = bytes.Clone(data[4:])
	}
	return payload, status
}

func (c *Card) publicKey() ([]byte, iso7816.StatusWord) {
	m, err := keys.FromPublicKey(&c.key.PublicKey)
	if err != nil {
		return nil, iso7816.SW_ERR_UNKNOWN
	}
	out, err := m.Bytes()
	if err != nil {
		return nil, iso7816.SW_ERR_UNKNOWN
	}
	return out, iso7816.SW_NO_ERROR
}

func (c *Card) sign(challenge []byte) ([]byte, iso7816.StatusWord) {
	digest := sha1.Sum(challenge)
	sig, err := rsa.SignPKCS1v15(nil, c.key, crypto.SHA1, digest[:])
	if err != nil {
		return nil, iso7816.SW_ERR_EXEC_NO_INFO
	}
	return sig, iso7816.SW_NO_ERROR
}

func amount(data []byte) (int32, bool) {
	if len(data) != iso7816.AmountSize {
		return 0, false
	}
	v, err := iso7816.DecodeAmount(data)
	return v, err == nil && v > 0
}

func (c *Card) topUp(data []byte) ([]byte, iso7816.StatusWord) {
	v, ok := amount(data)
	if !ok || int64(c.balance)+int64(v) > math.MaxInt32 {
		return nil, iso7816.SW_WALLET_AMOUNT_INVALID
	}
	c.balance += v
	return iso7816.EncodeAmount(c.balance), iso7816.SW_NO_ERROR
}

func (c *Card) pay(data []byte) ([]byte, iso7816.StatusWord) {
	v, ok := amount(data)
	if !ok {
		return nil, iso7816.SW_WALLET_AMOUNT_INVALID
	}
	if v > c.balance {
		return nil, iso7816.SW_WALLET_INSUFFICIENT_FUNDS
	}
	c.balance -= v
	return iso7816.EncodeAmount(c.balance), iso7816.SW_NO_ERROR
}

func (c *Card) photoBegin(data []byte) ([]byte, iso7816.StatusWord) {
	if len(data) != 2 {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	n := int(binary.BigEndian.Uint16(data))
	if n == 0 || n > c.capacity {
		return nil, iso7816.SW_ERR_NOT_ENOUGH_MEM
	}
	c.photo = make([]byte, 0, n)
	c.photoExpected = n
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) photoWrite(data []byte) ([]byte, iso7816.StatusWord) {
	if c.photoExpected == 0 {
		return nil, iso7816.SW_ERR_COND_OF_USE
	}
	if len(c.photo)+len(data) > c.photoExpected {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	c.photo = append(c.photo, data...)
	return nil, iso7816.SW_NO_ERROR
}

func (c *Card) photoComplete() bool {
	return c.photoExpected > 0 && len(c.photo) == c.photoExpected
}

func (c *Card) photoSize() ([]byte, iso7816.StatusWord) {
	if !c.photoComplete() {
		return nil, iso7816.SW_WALLET_NO_PHOTO
	}
	return binary.BigEndian.AppendUint16(nil, uint16(len(c.photo))), iso7816.SW_NO_ERROR
}

func (c *Card) photoRead(data []byte) ([]byte, iso7816.StatusWord) {
	if !c.photoComplete() {
		return nil, iso7816.SW_WALLET_NO_PHOTO
	}
	if len(data) != 3 {
		return nil, iso7816.SW_ERR_WRONG_LENGTH
	}
	off := int(binary.BigEndian.Uint16(data))
	n := int(data[2])
	if off >= len(c.photo) || n == 0 {
		return nil, iso7816.SW_ERR_WRONG_P1P2
	}
	return bytes.Clone(c.photo[off:min(off+n, len(c.photo))]), iso7816.SW_NO_ERROR
}
