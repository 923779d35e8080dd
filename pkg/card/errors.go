package card

import (
	"errors"
	"fmt"

	"github.com/gregLibert/cardwallet/pkg/iso7816"
)

// Error categories. Protocol failures carry an *iso7816.ProtocolError with the raw status word.
var (
	// Transport errors - the reader or card is absent
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNoReader             = fmt.Errorf("%w: no reader", ErrTransportUnavailable)
	ErrNoCard               = fmt.Errorf("%w: no card in reader", ErrTransportUnavailable)

	// Connection state errors
	ErrNotConnected       = errors.New("not connected")
	ErrAppletNotSelected  = errors.New("wallet applet could not be selected")
	ErrConnectionSuspect  = errors.New("connection suspect after a timed out transfer, reconnect required")
	ErrTimeout            = errors.New("card operation timed out")
	ErrInitializeRejected = errors.New("initialization rejected, card may already be initialized")

	// Data errors - rejected before any I/O
	ErrInvalidChallenge = errors.New("challenge must be 1 to 255 bytes")
	ErrEmptyPhoto       = errors.New("photo is empty")
	ErrPhotoTooLarge    = errors.New("photo exceeds card capacity")
	ErrNoPhoto          = errors.New("no photo stored on card")

	ErrSessionClosed = errors.New("session closed")
)

// PaymentErrorKind classifies a failed balance operation.
type PaymentErrorKind int

const (
	// Rejected covers any status the wallet does not give a specific meaning to.
	Rejected PaymentErrorKind = iota
	InsufficientFunds
	InvalidAmount
	NotAuthenticated
)

func (k PaymentErrorKind) String() string {
	switch k {
	case InsufficientFunds:
		return "insufficient funds"
	case InvalidAmount:
		return "invalid amount"
	case NotAuthenticated:
		return "PIN not verified"
	default:
		return "rejected by card"
	}
}

// PaymentError is returned by Balance, TopUp and Pay when the card refuses the operation
// or the amount is rejected locally (Status is then zero).
type PaymentError struct {
	Op     iso7816.InsCode
	Kind   PaymentErrorKind
	Amount int32
	Status iso7816.StatusWord
}

func (e *PaymentError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %d: %s", e.Op, e.Amount, e.Kind)
	}
	return fmt.Sprintf("%s %d: %s (%04X)", e.Op, e.Amount, e.Kind, uint16(e.Status))
}

// Unwrap exposes the card status as a ProtocolError.
func (e *PaymentError) Unwrap() error {
	if e.Status == 0 {
		return nil
	}
	return &iso7816.ProtocolError{Instruction: e.Op, Status: e.Status}
}

func paymentKind(sw iso7816.StatusWord) PaymentErrorKind {
	switch sw {
	case iso7816.SW_WALLET_INSUFFICIENT_FUNDS:
		return InsufficientFunds
	case iso7816.SW_WALLET_AMOUNT_INVALID, iso7816.SW_ERR_INCORRECT_DATA:
		return InvalidAmount
	case iso7816.SW_ERR_SECURITY_STATUS, iso7816.SW_ERR_AUTH_BLOCKED:
		return NotAuthenticated
	default:
		return Rejected
	}
}
