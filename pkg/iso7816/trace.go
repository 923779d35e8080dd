package iso7816

// TRANSACTION:
// A Transaction represents the atomic unit of communication defined in ISO 7816-3:
// one Command APDU (C-APDU) sent by the terminal, followed by one Response APDU (R-APDU)
// sent back by the card.
//
// TRACE:
// A Trace is a chronological sequence of Transactions. A single logical command may
// result in several physical transactions on T=0 readers:
// 1. "61 XX" (Process Completed): The card has XX extra bytes. The terminal must send a GET RESPONSE.
// 2. "6C XX" (Wrong Length): The terminal must re-send the command with Le = XX.
//
// In these cases, the Trace contains the entire conversation, and IsSuccess() evaluates
// the final outcome.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.IsSuccess()
}

// Trace is a sequence of transactions (Command-Response pairs).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// Response returns the final response of the trace, or nil if the trace is empty.
func (t Trace) Response() *ResponseAPDU {
	last := t.Last()
	if last == nil {
		return nil
	}
	return last.Response
}

// Result merges the trace into the logical response: the data of every step in order
// (GET RESPONSE rounds deliver the payload piecewise) and the final status word.
func (t Trace) Result() *ResponseAPDU {
	last := t.Response()
	if last == nil {
		return nil
	}
	if len(t) == 1 {
		return last
	}

	merged := &ResponseAPDU{Status: last.Status}
	for _, tx := range t {
		if tx.Response != nil {
			merged.Data = append(merged.Data, tx.Response.Data...)
		}
	}
	return merged
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
// Intermediate 61XX/6CXX steps do not count.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}
