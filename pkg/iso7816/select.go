package iso7816

import (
	"fmt"
)

// SELECT COMMAND LOGIC (ISO 7816-4):
// The SELECT command (INS 'A4') opens an application on the card.
//
// P1 (Selection Method): the wallet is always selected by DF name (AID), P1 = 0x04.
// P2 (Selection Control): 0x00, first or only occurrence, FCI returned if the applet has one.
//
// T=0 Protocol Compatibility: data is sent, so no Le is appended. A card that wants to
// return its FCI answers '61 XX' and the Client fetches it.

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID SelectionMethod = 0x00
	SelectByDFName SelectionMethod = 0x04 // Select by AID
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "Select by File ID"
	case SelectByDFName:
		return "Select by DF Name (AID)"
	default:
		return fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
}

// SelectByAID creates a SELECT command for an application identifier.
func SelectByAID(aid []byte) *CommandAPDU {
	return NewCommandAPDU(INS_SELECT, byte(SelectByDFName), 0x00, aid, 0)
}

// EncodeSelect returns the wire form of SelectByAID.
func EncodeSelect(aid []byte) ([]byte, error) {
	if len(aid) == 0 {
		return nil, fmt.Errorf("application identifier must not be empty")
	}
	return SelectByAID(aid).Bytes()
}
