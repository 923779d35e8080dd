package iso7816

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse reports bytes from the card that violate their length invariants.
	// It is fatal to the current operation.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrDataTooLong reports a command payload that cannot be described by a single Lc byte.
	ErrDataTooLong = errors.New("command data exceeds 255 bytes")

	// ErrTransmit wraps failures of the underlying Transmitter.
	ErrTransmit = errors.New("transmission error")
)

// ProtocolError is returned when the card answers an operation expected to succeed
// with a status word other than 9000. The raw status is kept for diagnostics.
type ProtocolError struct {
	Instruction InsCode
	Status      StatusWord
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Instruction, e.Status.Verbose())
}

// NewProtocolError builds a ProtocolError from the last response of an exchange.
func NewProtocolError(ins InsCode, resp *ResponseAPDU) *ProtocolError {
	return &ProtocolError{Instruction: ins, Status: resp.Status}
}
