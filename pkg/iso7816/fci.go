package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/cardwallet/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// FILE CONTROL INFORMATION (FCI) returned by the wallet applet on SELECT.
//
// STRUCTURE:
//   6F  FCI Template
//   ├── 84  DF Name (the AID that was selected)
//   └── A5  Proprietary Template
//       ├── 50    Application Label
//       ├── 9F08  Applet Version (major, minor)
//       └── DF01  Photo capacity in bytes (unsigned, big-endian)
//
// The applet may return no data at all; the FCI is informational and never required
// to operate the card. Some applets omit the 6F wrapper, in which case the templates
// are read flat.

// FCI is the parsed File Control Information of the selected applet.
type FCI struct {
	DFName      []byte               `tlv:"84" fmt:"ascii"`
	Proprietary *ProprietaryTemplate `tlv:"A5"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ProprietaryTemplate holds the applet-specific data of tag 'A5'.
type ProprietaryTemplate struct {
	ApplicationLabel []byte `tlv:"50" fmt:"ascii"`
	Version          []byte `tlv:"9F08"`
	PhotoCapacity    []byte `tlv:"DF01" fmt:"int"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseFCI interprets the data field of a SELECT response.
// It returns nil without error when the applet sent no data.
func ParseFCI(data []byte) (*FCI, error) {
	if len(data) == 0 {
		return nil, nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: FCI: %w", ErrMalformedResponse, err)
	}

	if wrapper, ok := tlv.Find(packets, "6F"); ok {
		packets = wrapper.TLVs
	}

	fci := &FCI{}
	if err := tlv.UnmarshalFromPackets(packets, fci); err != nil {
		return nil, fmt.Errorf("%w: FCI: %w", ErrMalformedResponse, err)
	}
	return fci, nil
}

// Label returns the application label, or an empty string.
func (f *FCI) Label() string {
	if f == nil || f.Proprietary == nil {
		return ""
	}
	return string(f.Proprietary.ApplicationLabel)
}

// Version returns the applet version as "major.minor", or an empty string.
func (f *FCI) Version() string {
	if f == nil || f.Proprietary == nil || len(f.Proprietary.Version) != 2 {
		return ""
	}
	return fmt.Sprintf("%d.%d", f.Proprietary.Version[0], f.Proprietary.Version[1])
}

// PhotoCapacity returns the photo storage advertised by the applet, 0 when absent.
func (f *FCI) PhotoCapacity() int {
	if f == nil || f.Proprietary == nil {
		return 0
	}
	return int(tlv.Uint(f.Proprietary.PhotoCapacity))
}

// Describe generates a field-by-field report of the FCI content.
func (f *FCI) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== APPLET FCI ===")

	tlv.WriteStructFields(&sb, "FCI", f)
	tlv.WriteStructFields(&sb, "Proprietary", f.Proprietary)

	return sb.String()
}
