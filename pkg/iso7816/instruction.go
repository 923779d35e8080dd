package iso7816

import (
	"fmt"
)

// Instruction Byte (INS) table.
//
// The INS byte identifies the command to be performed by the card. SELECT and GET RESPONSE are the
// interindustry codes of ISO/IEC 7816-4; every other code is fixed by the wallet applet and must stay
// in sync with the card-side program. Values whose upper nibble is '6' or '9' are reserved for
// Status Words (ISO/IEC 7816-3) and never appear here.
//
// Photo transfer is split in chunks because a short APDU carries at most 255 data bytes:
//   - PHOTO BEGIN: data = total length (u16 BE), resets the on-card buffer.
//   - PHOTO WRITE: data = next chunk, appended in order.
//   - PHOTO SIZE:  response = stored length (u16 BE).
//   - PHOTO READ:  data = offset (u16 BE) ++ length (u8), response = the requested slice.

// InsCode is a typed representation of the instruction byte.
type InsCode byte

const (
	INS_INITIALIZE     InsCode = 0x10
	INS_VERIFY_PIN     InsCode = 0x20
	INS_CHANGE_PIN     InsCode = 0x21
	INS_GET_CARD_ID    InsCode = 0x30
	INS_GET_PUBLIC_KEY InsCode = 0x31
	INS_SIGN_CHALLENGE InsCode = 0x32
	INS_GET_BALANCE    InsCode = 0x40
	INS_TOP_UP         InsCode = 0x41
	INS_PAYMENT        InsCode = 0x42
	INS_PHOTO_BEGIN    InsCode = 0x50
	INS_PHOTO_WRITE    InsCode = 0x51
	INS_PHOTO_SIZE     InsCode = 0x52
	INS_PHOTO_READ     InsCode = 0x53
	INS_SELECT         InsCode = 0xA4
	INS_GET_RESPONSE   InsCode = 0xC0
)

var insNames = map[InsCode]string{
	INS_INITIALIZE:     "INITIALIZE",
	INS_VERIFY_PIN:     "VERIFY PIN",
	INS_CHANGE_PIN:     "CHANGE PIN",
	INS_GET_CARD_ID:    "GET CARD ID",
	INS_GET_PUBLIC_KEY: "GET PUBLIC KEY",
	INS_SIGN_CHALLENGE: "SIGN CHALLENGE",
	INS_GET_BALANCE:    "GET BALANCE",
	INS_TOP_UP:         "TOP UP",
	INS_PAYMENT:        "PAYMENT",
	INS_PHOTO_BEGIN:    "PHOTO BEGIN",
	INS_PHOTO_WRITE:    "PHOTO WRITE",
	INS_PHOTO_SIZE:     "PHOTO SIZE",
	INS_PHOTO_READ:     "PHOTO READ",
	INS_SELECT:         "SELECT",
	INS_GET_RESPONSE:   "GET RESPONSE",
}

// String returns the command name, or a hex form for codes outside the table.
func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS(0x%02X)", byte(i))
}

// IsReserved reports whether the byte falls in the 6X/9X ranges reserved by ISO 7816-3.
func (i InsCode) IsReserved() bool {
	highNibble := byte(i) & 0xF0
	return highNibble == 0x60 || highNibble == 0x90
}

// Verbose returns a human-readable description of the instruction.
func (i InsCode) Verbose() string {
	return fmt.Sprintf("INS: 0x%02X | Command: %s", byte(i), i.String())
}
