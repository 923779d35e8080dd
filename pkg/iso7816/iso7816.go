/*
Package iso7816 implements the APDU layer used to talk to the wallet applet, following the ISO/IEC 7816-4 command/response model.

It provides Command and Response structures, the instruction and Status Word tables agreed upon with the card-side program, the 4-byte amount encoding, and a low-level Client that resolves T=0 transport procedures (61XX, 6CXX) before handing the final response to the caller.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

Only short length encoding is supported: the command data field carries at most 255 bytes and is
preceded by a single Lc byte. A command without data is exactly the 4-byte header.

# Status Words

Every response ends with a 2-byte Status Word (SW). Success is exactly 0x9000; every other value is
reported to the caller for inspection (a wrong PIN, for instance, still carries the remaining tries in
the response data).

# Usage Example: Selecting the wallet applet

	raw, err := iso7816.EncodeSelect(aid)
	if err != nil {
	    return err
	}

	resp, err := iso7816.ParseResponseAPDU(transmit(raw))
	if err != nil {
	    return err // ErrMalformedResponse
	}

	if !resp.IsSuccess() {
	    return &iso7816.ProtocolError{Instruction: iso7816.INS_SELECT, Status: resp.Status}
	}
*/
package iso7816
