package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/cardwallet/pkg/tlv"
)

// SELECT RESULT ANALYSIS:
// A high-level wrapper over the trace of a SELECT command. It hides the protocol
// steps (GET RESPONSE, re-send) and gives access to the applet FCI and a report.

// SelectResult represents the outcome of a SELECT command execution.
type SelectResult struct {
	Trace
}

// NewSelectResult creates a SelectResult from a raw transaction trace.
// The trace must not be empty and must start with a SELECT command (INS 0xA4).
func NewSelectResult(t Trace) (*SelectResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	if t[0].Command.Instruction != INS_SELECT {
		return nil, fmt.Errorf("trace must start with SELECT command (got %02X)", byte(t[0].Command.Instruction))
	}

	return &SelectResult{Trace: t}, nil
}

// FCI parses the File Control Information from the merged response data.
// A successful selection without data yields a nil FCI.
func (r *SelectResult) FCI() (*FCI, error) {
	if !r.IsSuccess() {
		return nil, fmt.Errorf("selection failed, cannot parse FCI")
	}
	return ParseFCI(r.Result().Data)
}

// Describe generates a detailed, ASCII-formatted report of the selection process.
func (r *SelectResult) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== SELECT COMMAND REPORT ===\n")

	tx0 := r.Trace[0]
	cmd := tx0.Command

	sb.WriteString("[1] Command: SELECT APPLICATION\n")
	sb.WriteString(fmt.Sprintf("    + Method:  %02X -> %s\n", cmd.P1, SelectionMethod(cmd.P1)))
	if len(cmd.Data) > 0 {
		sb.WriteString(fmt.Sprintf("    + AID:     %X (%q)\n", cmd.Data, tlv.MakeSafeASCII(cmd.Data)))
	}
	sb.WriteString(fmt.Sprintf("    + Result:  %s\n", describeStatus(tx0.Response.Status)))
	sb.WriteString("\n")

	if len(r.Trace) > 1 {
		last := r.Last()
		sb.WriteString(fmt.Sprintf("[2] Protocol: Auto-handling (Sequence of %d steps)\n", len(r.Trace)))
		sb.WriteString(fmt.Sprintf("    + Action:  Sending %s\n", last.Command.Instruction))
		sb.WriteString(fmt.Sprintf("    + Result:  %s\n", describeStatus(last.Response.Status)))
		sb.WriteString("\n")
	}

	sb.WriteString("[=] FINAL OUTCOME:\n")

	payload := r.Result().Data
	fci, err := r.FCI()
	switch {
	case err != nil && len(payload) > 0:
		sb.WriteString(fmt.Sprintf("    - FCI Parsing Failed: %v\n", err))
		sb.WriteString(fmt.Sprintf("      Dump:    %X", payload))
	case err != nil:
		sb.WriteString(fmt.Sprintf("    - Selection Failed: %s", r.Last().Response.Status.Verbose()))
	case fci == nil:
		sb.WriteString("    - Selected, no FCI returned.")
	default:
		sb.WriteString(fmt.Sprintf("    - Payload: %d bytes\n", len(payload)))
		sb.WriteString(fci.Describe())
	}

	return sb.String()
}

func describeStatus(sw StatusWord) string {
	swHex := fmt.Sprintf("%02X %02X", sw.SW1(), sw.SW2())

	switch {
	case sw.IsSuccess():
		return fmt.Sprintf("[%s] [OK] SW_NO_ERROR", swHex)
	case sw.HasMoreData():
		return fmt.Sprintf("[%s] [OK] %02X (%d) bytes still available", swHex, sw.SW2(), sw.SW2())
	default:
		return fmt.Sprintf("[%s] [!!] %s", swHex, sw.Verbose())
	}
}
