package iso7816

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/cardwallet/pkg/tlv"
)

func TestCommandAPDU_Encoding(t *testing.T) {
	tests := []struct {
		name     string
		cmd      *CommandAPDU
		expected []byte
	}{
		{
			name:     "Header Only (No Data, No Le)",
			cmd:      NewCommandAPDU(INS_GET_BALANCE, 0x00, 0x00, nil, 0),
			expected: tlv.Hex("00 40 00 00"),
		},
		{
			name:     "Empty slice is the same as no data",
			cmd:      NewCommandAPDU(INS_GET_CARD_ID, 0x00, 0x00, []byte{}, 0),
			expected: tlv.Hex("00 30 00 00"),
		},
		{
			name:     "Data with Lc",
			cmd:      NewCommandAPDU(INS_VERIFY_PIN, 0x00, 0x00, []byte("1234"), 0),
			expected: tlv.Hex("00 20 00 00", "04", "31 32 33 34"),
		},
		{
			name:     "No Data, Le=MaxShortLe (256)",
			cmd:      NewCommandAPDU(INS_GET_RESPONSE, 0x00, 0x00, nil, MaxShortLe),
			expected: tlv.Hex("00 C0 00 00", "00"),
		},
		{
			name:     "Data and Le",
			cmd:      NewCommandAPDU(INS_SELECT, 0x04, 0x00, []byte{0x01}, 10),
			expected: tlv.Hex("00 A4 04 00", "01", "01", "0A"),
		},
		{
			name:     "Maximum short data",
			cmd:      NewCommandAPDU(INS_PHOTO_WRITE, 0x00, 0x00, bytes.Repeat([]byte{0xAB}, 255), 0),
			expected: append(tlv.Hex("00 51 00 00 FF"), bytes.Repeat([]byte{0xAB}, 255)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Encoding failed: %v", err)
			}
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("Mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	t.Run("Without data is exactly the header", func(t *testing.T) {
		got, err := Encode(INS_GET_PUBLIC_KEY, nil)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if diff := cmp.Diff(tlv.Hex("00 31 00 00"), got); diff != "" {
			t.Errorf("Mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("With data has a length byte", func(t *testing.T) {
		got, err := Encode(INS_TOP_UP, EncodeAmount(500))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if diff := cmp.Diff(tlv.Hex("00 41 00 00 04 000001F4"), got); diff != "" {
			t.Errorf("Mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Rejects more than 255 bytes", func(t *testing.T) {
		_, err := Encode(INS_PHOTO_WRITE, make([]byte, 256))
		if !errors.Is(err, ErrDataTooLong) {
			t.Errorf("Expected ErrDataTooLong, got %v", err)
		}
	})
}

func TestParseResponseAPDU(t *testing.T) {
	resp, err := ParseResponseAPDU(tlv.Hex("010203 9000"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x02, 0x03}, resp.Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
	if resp.Status != SW_NO_ERROR || !resp.IsSuccess() {
		t.Errorf("Wrong status: got %04X, want 9000", uint16(resp.Status))
	}
}

func TestParseResponseAPDU_StatusOnly(t *testing.T) {
	resp, err := ParseResponseAPDU(tlv.Hex("6A 91"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("Expected empty payload, got %X", resp.Data)
	}
	if resp.IsSuccess() {
		t.Error("6A91 must not be a success")
	}
}

func TestParseResponseAPDU_TooShort(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, {0x90}} {
		resp, err := ParseResponseAPDU(raw)
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("ParseResponseAPDU(%X): expected ErrMalformedResponse, got %v", raw, err)
		}
		if resp != nil {
			t.Errorf("ParseResponseAPDU(%X): expected no partial result, got %+v", raw, resp)
		}
	}
}

func TestAmountCodec(t *testing.T) {
	tests := []struct {
		amount int32
		wire   []byte
	}{
		{0, tlv.Hex("00000000")},
		{1, tlv.Hex("00000001")},
		{15360, tlv.Hex("00003C00")},
		{-1, tlv.Hex("FFFFFFFF")},
		{math.MaxInt32, tlv.Hex("7FFFFFFF")},
		{math.MinInt32, tlv.Hex("80000000")},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.wire, EncodeAmount(tt.amount)); diff != "" {
			t.Errorf("EncodeAmount(%d) mismatch (-want +got):\n%s", tt.amount, diff)
		}
		got, err := DecodeAmount(tt.wire)
		if err != nil || got != tt.amount {
			t.Errorf("DecodeAmount(%X) = %d, %v; want %d", tt.wire, got, err, tt.amount)
		}
	}

	if _, err := DecodeAmount([]byte{0x00, 0x01, 0x02}); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse for 3 bytes, got %v", err)
	}
}

func TestCommandAPDU_StringHidesData(t *testing.T) {
	cmd := NewCommandAPDU(INS_VERIFY_PIN, 0x00, 0x00, []byte("4321"), 0)
	if s := cmd.String(); strings.Contains(s, "4321") || strings.Contains(s, "34333231") {
		t.Errorf("String() leaks the PIN: %s", s)
	}
}
