package iso7816

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A command consists of a mandatory Header (4 bytes) and an optional Body.
//
// 1. Header:
//   - CLA (Class): always 0x00 (interindustry, no secure messaging, channel 0) for the wallet applet.
//   - INS (Instruction): The specific command to execute.
//   - P1, P2 (Parameters): Command modifiers.
//
// 2. Body:
//   - Lc (Length Command): Number of bytes in the data field (1 byte).
//   - Data: The command payload (0 to 255 bytes).
//   - Le (Length Expected): only emitted by the Client when the card asks for it (61XX / 6CXX).
//
// RESPONSE APDU (R-APDU):
// A response sent by the card consists of an optional Body and a mandatory Trailer.
//
// 1. Body (Data Field):
//   - Variable length sequence of bytes containing the response data.
//
// 2. Trailer (Status Word):
//   - SW1 (1 byte): Command processing status (High byte).
//   - SW2 (1 byte): Command processing qualification (Low byte).
//   - Example: 0x9000 indicates success.

// APDU Limits according to ISO 7816-3 (short length mode only).
const (
	// ClassInterindustry is the CLA byte sent with every command.
	ClassInterindustry byte = 0x00

	// MaxShortLc is the maximum data length (Nc) encodable on the single Lc byte.
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in Short Length mode.
	// In Short mode, 0x00 encodes 256.
	MaxShortLe = 256

	// AmountSize is the length of a balance, top-up or payment amount on the wire.
	AmountSize = 4
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       byte
	Instruction InsCode
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(ins InsCode, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       ClassInterindustry,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc := len(c.Data)
	if nc > MaxShortLc {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrDataTooLong, nc, c.Instruction)
	}
	if c.Ne < 0 || c.Ne > MaxShortLe {
		return nil, fmt.Errorf("expected length %d out of range (0-%d)", c.Ne, MaxShortLe)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+1+nc+1))
	buf.WriteByte(c.Class)
	buf.WriteByte(byte(c.Instruction))
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	if nc > 0 {
		buf.WriteByte(byte(nc))
		buf.Write(c.Data)
	}

	if c.Ne > 0 {
		// 0x00 represents 256
		buf.WriteByte(byte(c.Ne % MaxShortLe))
	}

	return buf.Bytes(), nil
}

// String returns a readable representation of the command meta-data.
// The data field is not printed: it may carry a PIN.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// Encode builds the wire form of an applet command with P1 = P2 = 0.
// Without data the result is the 4-byte header, otherwise header + Lc + data.
func Encode(ins InsCode, data []byte) ([]byte, error) {
	return NewCommandAPDU(ins, 0x00, 0x00, data, 0).Bytes()
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: response too short: length %d", ErrMalformedResponse, len(raw))
	}

	indexSW1 := len(raw) - 2
	data := make([]byte, indexSW1)
	copy(data, raw[:indexSW1])

	return &ResponseAPDU{
		Data:   data,
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// IsSuccess reports whether the card answered 9000.
func (r *ResponseAPDU) IsSuccess() bool {
	return r != nil && r.Status.IsSuccess()
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}

// EncodeAmount returns the 4-byte big-endian two's complement form of amount.
func EncodeAmount(amount int32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, AmountSize), uint32(amount))
}

// DecodeAmount reads a 4-byte big-endian two's complement amount from the start of data.
func DecodeAmount(data []byte) (int32, error) {
	if len(data) < AmountSize {
		return 0, fmt.Errorf("%w: amount needs %d bytes, got %d", ErrMalformedResponse, AmountSize, len(data))
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}
