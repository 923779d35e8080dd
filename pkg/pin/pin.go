// Package pin encodes PIN payloads and interprets the card's answer to VERIFY PIN.
//
// The retry counter lives on the card. The host never counts attempts itself: each
// response carries the remaining tries in the first data byte, and the card alone
// decides when the PIN is blocked. The PIN travels in clear inside the APDU.
package pin

import (
	"errors"
	"fmt"

	"github.com/gregLibert/cardwallet/pkg/iso7816"
)

// Length is the number of ASCII digits in a PIN.
const Length = 4

// ErrInvalidPIN reports a PIN that is not exactly four ASCII digits.
var ErrInvalidPIN = errors.New("pin must be exactly 4 digits")

// Status is the result class of one verification attempt. The zero value is Unknown,
// which is what every error path returns, so it never reads as Verified.
type Status int

const (
	Unknown Status = iota
	Verified
	Rejected
	Blocked
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Verified:
		return "Verified"
	case Rejected:
		return "Rejected"
	case Blocked:
		return "Blocked"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is produced fresh for every attempt and never cached.
// RemainingTries is only meaningful when Status is Rejected.
type Outcome struct {
	Status         Status
	RemainingTries uint8
}

func (o Outcome) String() string {
	if o.Status == Rejected {
		return fmt.Sprintf("Rejected (%d tries left)", o.RemainingTries)
	}
	return o.Status.String()
}

// Interpret maps a VERIFY PIN response to an Outcome.
//
//	9000                    -> Verified
//	payload[0] > 0          -> Rejected{payload[0]}
//	payload[0] == 0 or none -> Blocked
func Interpret(resp *iso7816.ResponseAPDU) Outcome {
	if resp.IsSuccess() {
		return Outcome{Status: Verified}
	}
	if resp != nil && len(resp.Data) > 0 && resp.Data[0] > 0 {
		return Outcome{Status: Rejected, RemainingTries: resp.Data[0]}
	}
	return Outcome{Status: Blocked}
}

// Encode validates pin and returns its 4 ASCII bytes.
func Encode(pin string) ([]byte, error) {
	if len(pin) != Length {
		return nil, fmt.Errorf("%w: got %d characters", ErrInvalidPIN, len(pin))
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return nil, fmt.Errorf("%w: non-digit at position %d", ErrInvalidPIN, i)
		}
	}
	return []byte(pin), nil
}

// EncodeChange returns old ++ new, 8 ASCII bytes, for CHANGE PIN.
func EncodeChange(oldPIN, newPIN string) ([]byte, error) {
	o, err := Encode(oldPIN)
	if err != nil {
		return nil, fmt.Errorf("current %w", err)
	}
	n, err := Encode(newPIN)
	if err != nil {
		return nil, fmt.Errorf("new %w", err)
	}
	return append(o, n...), nil
}
