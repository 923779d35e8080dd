package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func makeTx(sw StatusWord, data ...byte) Transaction {
	return Transaction{
		Command:  &CommandAPDU{},
		Response: &ResponseAPDU{Data: data, Status: sw},
	}
}

func TestTransaction_IsSuccess(t *testing.T) {
	tests := []struct {
		name string
		tx   Transaction
		want bool
	}{
		{
			name: "Successful Transaction (9000)",
			tx:   makeTx(SW_NO_ERROR),
			want: true,
		},
		{
			name: "Response Available (6110) is not final success",
			tx:   makeTx(NewStatusWord(0x61, 0x10)),
			want: false,
		},
		{
			name: "Error Transaction (6A82)",
			tx:   makeTx(SW_ERR_FILE_NOT_FOUND),
			want: false,
		},
		{
			name: "Nil Response (Incomplete Transaction)",
			tx:   Transaction{Command: &CommandAPDU{}, Response: nil},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tx.IsSuccess(); got != tt.want {
				t.Errorf("Transaction.IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrace_Logic(t *testing.T) {
	t.Run("Empty Trace", func(t *testing.T) {
		var tr Trace
		if tr.Last() != nil || tr.Response() != nil || tr.Result() != nil {
			t.Error("Empty trace accessors should be nil")
		}
		if tr.IsSuccess() {
			t.Error("Empty trace IsSuccess() should be false")
		}
	})

	t.Run("Multi-Step Trace (61XX then 9000)", func(t *testing.T) {
		tr := Trace{
			makeTx(NewStatusWord(0x61, 0x02), 0x01),
			makeTx(SW_NO_ERROR, 0x02, 0x03),
		}

		if !tr.IsSuccess() {
			t.Error("Trace should be successful if the last action succeeded")
		}
		want := &ResponseAPDU{Data: []byte{0x01, 0x02, 0x03}, Status: SW_NO_ERROR}
		if diff := cmp.Diff(want, tr.Result()); diff != "" {
			t.Errorf("Merged result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Multi-Step Trace (Failure at the end)", func(t *testing.T) {
		tr := Trace{
			makeTx(NewStatusWord(0x61, 0x02)),
			makeTx(SW_ERR_FILE_NOT_FOUND),
		}

		if tr.IsSuccess() {
			t.Error("Trace should fail if the last action failed")
		}
	})
}
