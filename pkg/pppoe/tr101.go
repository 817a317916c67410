package pppoe

import (
	"encoding/binary"
	"fmt"
)

// TR-101 sub-option types carried inside the ADSL-Forum Vendor-Specific tag.
const (
	TR101AgentCircuitID = 0x01
	TR101AgentRemoteID  = 0x02
	TR101ActualRateUp   = 0x81
	TR101ActualRateDown = 0x82
	TR101MinRateUp      = 0x83
	TR101MinRateDown    = 0x84
	TR101AccessLoopEnc  = 0x90
)

// TR101Option is one type/length/value entry of a TR-101 tag.
type TR101Option struct {
	Type  uint8
	Value []byte
}

// TR101 is the decoded subscriber line information a relay inserted into
// discovery packets.
type TR101 struct {
	CircuitID string
	RemoteID  string
	// Options holds every sub-option in wire order, including the two above.
	Options []TR101Option
}

// ParseTR101 decodes the value of an ADSL-Forum Vendor-Specific tag.
func ParseTR101(value []byte) (*TR101, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("%w: vendor tag shorter than vendor id", ErrMalformed)
	}
	if vendor := binary.BigEndian.Uint32(value[:4]); vendor != VendorADSLForum {
		return nil, fmt.Errorf("vendor 0x%x is not ADSL-Forum", vendor)
	}

	info := &TR101{}
	data := value[4:]
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated TR-101 option at offset %d", ErrMalformed, offset)
		}
		typ := data[offset]
		n := int(data[offset+1])
		if offset+2+n > len(data) {
			return nil, fmt.Errorf("%w: TR-101 option 0x%02x length %d exceeds tag", ErrMalformed, typ, n)
		}
		opt := TR101Option{Type: typ, Value: cloneBytes(data[offset+2 : offset+2+n])}
		info.Options = append(info.Options, opt)

		switch typ {
		case TR101AgentCircuitID:
			info.CircuitID = string(opt.Value)
		case TR101AgentRemoteID:
			info.RemoteID = string(opt.Value)
		}
		offset += 2 + n
	}
	return info, nil
}

// BuildTR101 encodes options into a Vendor-Specific tag value.
func BuildTR101(opts ...TR101Option) ([]byte, error) {
	buf := make([]byte, 4, 4+len(opts)*8)
	binary.BigEndian.PutUint32(buf, VendorADSLForum)
	for _, o := range opts {
		if len(o.Value) > 0xff {
			return nil, fmt.Errorf("TR-101 option 0x%02x too long: %d bytes", o.Type, len(o.Value))
		}
		buf = append(buf, o.Type, byte(len(o.Value)))
		buf = append(buf, o.Value...)
	}
	return buf, nil
}
