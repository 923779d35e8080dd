package iso7816

import (
	"context"
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a low-level driver over the physical connection.
// It resolves the ISO 7816-3 transport behaviors that T=0 readers expose to the
// application layer, so that callers only ever see the final response:
//
// 1. "61 XX" (Response Available):
//    The client sends GET RESPONSE with Le = XX.
//
// 2. "6C XX" (Wrong Length):
//    The client re-sends the original command with Le = XX.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request. The Client is not safe for concurrent use:
// the physical channel is half-duplex and its owner serializes access.

// maxProcedureSteps bounds the number of GET RESPONSE / re-send rounds for one command.
const maxProcedureSteps = 16

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the exchange of APDUs with the card.
type Client struct {
	Card Transmitter
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	return c.SendContext(context.Background(), cmd)
}

// SendContext is Send with ctx checked before every exchange, so a cancelled caller
// never issues a follow-up GET RESPONSE or re-send.
func (c *Client) SendContext(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	var trace Trace

	for step := 0; ; step++ {
		if step == maxProcedureSteps {
			return trace, fmt.Errorf("%w: %s did not complete after %d steps", ErrMalformedResponse, cmd.Instruction, step)
		}
		if err := ctx.Err(); err != nil {
			return trace, err
		}

		resp, err := c.exchange(cmd)
		if err != nil {
			return trace, err
		}
		trace = append(trace, Transaction{Command: cmd, Response: resp})

		switch {
		case resp.Status.HasMoreData():
			// GET RESPONSE must use the same class as the original command.
			getResp := NewCommandAPDU(INS_GET_RESPONSE, 0x00, 0x00, nil, int(resp.Status.SW2()))
			getResp.Class = cmd.Class
			if getResp.Ne == 0 {
				getResp.Ne = MaxShortLe
			}
			cmd = getResp

		case resp.Status.IsWrongLe():
			// Clone command to update Le without mutating the original pointer
			retry := *cmd
			retry.Ne = int(resp.Status.SW2())
			if retry.Ne == 0 {
				retry.Ne = MaxShortLe
			}
			cmd = &retry

		default:
			return trace, nil
		}
	}
}

func (c *Client) exchange(cmd *CommandAPDU) (*ResponseAPDU, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransmit, cmd.Instruction, err)
	}

	return ParseResponseAPDU(rawResp)
}
