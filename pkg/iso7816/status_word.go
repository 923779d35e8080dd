package iso7816

import (
	"fmt"
)

// Dynamic Status Word Logic:
//
// While most Status Words (SW) are static 2-byte values (e.g., 0x9000), ISO 7816-4 defines
// specific ranges where the value is dynamic and carries contextual information:
//
// 1. '61XX' (SW1=0x61): Process Completed, Response Available.
//    XX indicates the number of extra bytes available for retrieval (GET RESPONSE).
//
// 2. '6CXX' (SW1=0x6C): Wrong Length.
//    XX indicates the correct expected length (Le) for the command.
//
// 3. '63CX' (Warning): Counter Management.
//    If the upper nibble of SW2 is 'C' (0xC0-0xCF), the lower nibble represents
//    a counter value. The wallet applet does not rely on it: remaining PIN tries
//    travel in the response data.

// StatusWord represents the two-byte status response (SW1-SW2) returned by the smart card.
type StatusWord uint16

// NewStatusWord creates a StatusWord instance from two separate bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// SW1 returns the first byte (high byte) of the status word.
func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

// SW2 returns the second byte (low byte) of the status word.
func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// IsSuccess returns true only for 9000.
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR
}

// HasMoreData returns true for 61XX: the card holds SW2 more bytes for GET RESPONSE.
func (sw StatusWord) HasMoreData() bool {
	return sw.SW1() == 0x61
}

// IsWrongLe returns true for 6CXX: the command must be re-sent with Le = SW2.
func (sw StatusWord) IsWrongLe() bool {
	return sw.SW1() == 0x6C
}

// IsCounter checks if the status indicates a non-volatile memory change counter (63CX).
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && sw.SW2()&0xF0 == 0xC0
}

// IsWarning returns true if the status indicates a warning (62XX or 63XX).
func (sw StatusWord) IsWarning() bool {
	sw1 := sw.SW1()
	return sw1 == 0x62 || sw1 == 0x63
}

// IsError returns true if the status indicates an execution error (64XX to 6FXX).
func (sw StatusWord) IsError() bool {
	sw1 := sw.SW1()
	return sw1 >= 0x64 && sw1 <= 0x6F
}

// String returns the constant name of a known status word.
func (sw StatusWord) String() string {
	if name, ok := swNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("StatusWord(0x%04X)", uint16(sw))
}

// Verbose returns a human-readable description of the status word.
// It prioritizes dynamic ISO definitions over the static table.
func (sw StatusWord) Verbose() string {
	sw2 := sw.SW2()

	switch {
	case sw.IsCounter():
		return fmt.Sprintf("Warning: State changed, counter = %d", sw2&0x0F)
	case sw.HasMoreData():
		return fmt.Sprintf("Process completed, %d bytes available", sw2)
	case sw.IsWrongLe():
		return fmt.Sprintf("Wrong length, correct Le is %d", sw2)
	}

	if name, ok := swNames[sw]; ok {
		return fmt.Sprintf("[%04X] %s", uint16(sw), name)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), sw.genericCategoryDescription())
}

// genericCategoryDescription provides a fallback description based on SW1.
func (sw StatusWord) genericCategoryDescription() string {
	switch sw.SW1() {
	case 0x62:
		return "Warning: NV memory unchanged"
	case 0x63:
		return "Warning: NV memory changed"
	case 0x64:
		return "Execution Error: NV memory unchanged"
	case 0x65:
		return "Execution Error: NV memory changed"
	case 0x66:
		return "Execution Error: Security issue"
	case 0x68:
		return "Checking Error: Function not supported"
	case 0x69:
		return "Checking Error: Command not allowed"
	case 0x6A:
		return "Checking Error: Wrong parameters"
	default:
		return "Unknown Status"
	}
}

// Status Word codes: the ISO/IEC 7816-4 subset the wallet applet emits, plus its own 6A9X range.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_WARN_NO_INFO   StatusWord = 0x6200
	SW_WARN_COUNTER_0 StatusWord = 0x63C0

	SW_ERR_EXEC_NO_INFO    StatusWord = 0x6400
	SW_ERR_MEMORY_FAILURE  StatusWord = 0x6581
	SW_ERR_WRONG_LENGTH    StatusWord = 0x6700
	SW_ERR_SECURITY_STATUS StatusWord = 0x6982
	SW_ERR_AUTH_BLOCKED    StatusWord = 0x6983
	SW_ERR_COND_OF_USE     StatusWord = 0x6985
	SW_ERR_INCORRECT_DATA  StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPP   StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND  StatusWord = 0x6A82
	SW_ERR_NOT_ENOUGH_MEM  StatusWord = 0x6A84
	SW_ERR_WRONG_P1P2      StatusWord = 0x6B00
	SW_ERR_INS_INVALID     StatusWord = 0x6D00
	SW_ERR_CLA_INVALID     StatusWord = 0x6E00
	SW_ERR_UNKNOWN         StatusWord = 0x6F00

	SW_WALLET_INSUFFICIENT_FUNDS StatusWord = 0x6A91
	SW_WALLET_AMOUNT_INVALID     StatusWord = 0x6A92
	SW_WALLET_NO_PHOTO           StatusWord = 0x6A93
)

var swNames = map[StatusWord]string{
	SW_NO_ERROR:                  "SW_NO_ERROR",
	SW_WARN_NO_INFO:              "SW_WARN_NO_INFO",
	SW_WARN_COUNTER_0:            "SW_WARN_COUNTER_0",
	SW_ERR_EXEC_NO_INFO:          "SW_ERR_EXEC_NO_INFO",
	SW_ERR_MEMORY_FAILURE:        "SW_ERR_MEMORY_FAILURE",
	SW_ERR_WRONG_LENGTH:          "SW_ERR_WRONG_LENGTH",
	SW_ERR_SECURITY_STATUS:       "SW_ERR_SECURITY_STATUS",
	SW_ERR_AUTH_BLOCKED:          "SW_ERR_AUTH_BLOCKED",
	SW_ERR_COND_OF_USE:           "SW_ERR_COND_OF_USE",
	SW_ERR_INCORRECT_DATA:        "SW_ERR_INCORRECT_DATA",
	SW_ERR_FUNC_NOT_SUPP:         "SW_ERR_FUNC_NOT_SUPP",
	SW_ERR_FILE_NOT_FOUND:        "SW_ERR_FILE_NOT_FOUND",
	SW_ERR_NOT_ENOUGH_MEM:        "SW_ERR_NOT_ENOUGH_MEM",
	SW_ERR_WRONG_P1P2:            "SW_ERR_WRONG_P1P2",
	SW_ERR_INS_INVALID:           "SW_ERR_INS_INVALID",
	SW_ERR_CLA_INVALID:           "SW_ERR_CLA_INVALID",
	SW_ERR_UNKNOWN:               "SW_ERR_UNKNOWN",
	SW_WALLET_INSUFFICIENT_FUNDS: "SW_WALLET_INSUFFICIENT_FUNDS",
	SW_WALLET_AMOUNT_INVALID:     "SW_WALLET_AMOUNT_INVALID",
	SW_WALLET_NO_PHOTO:           "SW_WALLET_NO_PHOTO",
}
