package iso7816

import (
	"strings"
	"testing"
)

func TestInstructionTable(t *testing.T) {
	for code, name := range insNames {
		if code.IsReserved() {
			t.Errorf("%s uses reserved INS 0x%02X", name, byte(code))
		}
		if code.String() != name {
			t.Errorf("String(0x%02X) = %q, want %q", byte(code), code.String(), name)
		}
	}
}

func TestInstructionWireValues(t *testing.T) {
	tests := []struct {
		code InsCode
		want byte
	}{
		{INS_INITIALIZE, 0x10},
		{INS_VERIFY_PIN, 0x20},
		{INS_CHANGE_PIN, 0x21},
		{INS_GET_CARD_ID, 0x30},
		{INS_GET_PUBLIC_KEY, 0x31},
		{INS_GET_BALANCE, 0x40},
		{INS_TOP_UP, 0x41},
		{INS_PAYMENT, 0x42},
		{INS_SELECT, 0xA4},
	}

	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("%s = 0x%02X, want 0x%02X", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestInstruction_Reserved(t *testing.T) {
	reserved := []InsCode{0x60, 0x6F, 0x90, 0x9F}
	for _, code := range reserved {
		if !code.IsReserved() {
			t.Errorf("0x%02X should be reserved", byte(code))
		}
	}
}

func TestInstruction_Verbose(t *testing.T) {
	if got := INS_PAYMENT.Verbose(); !strings.Contains(got, "0x42") || !strings.Contains(got, "PAYMENT") {
		t.Errorf("Verbose() = %q", got)
	}
	if got := InsCode(0x77).String(); got != "INS(0x77)" {
		t.Errorf("String() for unknown code = %q", got)
	}
}
