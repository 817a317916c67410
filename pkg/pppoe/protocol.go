package pppoe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Ethernet types
const (
	EtherTypePPPoEDiscovery = 0x8863
	EtherTypePPPoESession   = 0x8864
)

// PPPoE codes (Discovery stage)
const (
	CodePADI = 0x09 // Active Discovery Initiation
	CodePADO = 0x07 // Active Discovery Offer
	CodePADR = 0x19 // Active Discovery Request
	CodePADS = 0x65 // Active Discovery Session-confirmation
	CodePADT = 0xA7 // Active Discovery Terminate
)

// PPPoE session code
const (
	CodeSession = 0x00
)

// PPPoE tag types
const (
	TagEndOfList      = 0x0000
	TagServiceName    = 0x0101
	TagACName         = 0x0102
	TagHostUniq       = 0x0103
	TagACCookie       = 0x0104
	TagVendorSpecific = 0x0105
	TagRelaySessionID = 0x0110
	TagServiceNameErr = 0x0201
	TagACSystemErr    = 0x0202
	TagGenericErr     = 0x0203
)

// VendorADSLForum is the vendor id carried in TR-101 Vendor-Specific tags.
const VendorADSLForum = 0xde9

const (
	// PPPoEOverhead is the size of the PPPoE header (ver/type, code, session, length).
	PPPoEOverhead = 6
	// EthernetHeaderLen is the size of an untagged Ethernet header.
	EthernetHeaderLen = 14
	// MaxPayload is the largest tag region that fits in a standard Ethernet payload.
	MaxPayload = 1500 - PPPoEOverhead

	verType = 0x11
)

var (
	// ErrMalformed is returned for frames that fail header or tag length accounting.
	ErrMalformed = errors.New("malformed PPPoE discovery frame")

	// ErrTooLarge is returned when an encoded packet would exceed MaxPayload.
	ErrTooLarge = errors.New("PPPoE discovery packet too large")
)

// Tag represents a PPPoE tag
type Tag struct {
	Type  uint16
	Value []byte
}

// Packet is a decoded PPPoE discovery packet. Tags keep wire order.
type Packet struct {
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	Code      uint8
	SessionID uint16
	Tags      []Tag
}

// CodeName returns a human readable name for a discovery code.
func CodeName(code uint8) string {
	switch code {
	case CodePADI:
		return "PADI"
	case CodePADO:
		return "PADO"
	case CodePADR:
		return "PADR"
	case CodePADS:
		return "PADS"
	case CodePADT:
		return "PADT"
	case CodeSession:
		return "SESS"
	default:
		return "Unknown"
	}
}

func validCode(code uint8) bool {
	switch code {
	case CodePADI, CodePADO, CodePADR, CodePADS, CodePADT, CodeSession:
		return true
	}
	return false
}

// Decode parses an Ethernet frame carrying a PPPoE discovery packet.
//
// Trailing bytes after the declared PPPoE length (Ethernet padding) are
// ignored. Every other length inconsistency yields ErrMalformed.
func Decode(frame []byte) (*Packet, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: ethernet header: %v", ErrMalformed, err)
	}
	if eth.EthernetType != layers.EthernetTypePPPoEDiscovery {
		return nil, fmt.Errorf("%w: ethertype 0x%04x", ErrMalformed, uint16(eth.EthernetType))
	}

	data := eth.Payload
	if len(data) < PPPoEOverhead {
		return nil, fmt.Errorf("%w: short PPPoE header", ErrMalformed)
	}
	if data[0] != verType {
		return nil, fmt.Errorf("%w: version/type 0x%02x", ErrMalformed, data[0])
	}
	code := data[1]
	if !validCode(code) {
		return nil, fmt.Errorf("%w: unknown code 0x%02x", ErrMalformed, code)
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if PPPoEOverhead+length > len(data) {
		return nil, fmt.Errorf("%w: declared length %d exceeds frame", ErrMalformed, length)
	}

	tags, err := parseTags(data[PPPoEOverhead : PPPoEOverhead+length])
	if err != nil {
		return nil, err
	}

	return &Packet{
		SrcMAC:    cloneMAC(eth.SrcMAC),
		DstMAC:    cloneMAC(eth.DstMAC),
		Code:      code,
		SessionID: binary.BigEndian.Uint16(data[2:4]),
		Tags:      tags,
	}, nil
}

// parseTags walks the tag region; it must be consumed exactly.
func parseTags(data []byte) ([]Tag, error) {
	var tags []Tag
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated tag header at offset %d", ErrMalformed, offset)
		}
		tagType := binary.BigEndian.Uint16(data[offset : offset+2])
		tagLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+tagLen > len(data) {
			return nil, fmt.Errorf("%w: tag 0x%04x length %d exceeds payload", ErrMalformed, tagType, tagLen)
		}

		tag := Tag{Type: tagType, Value: make([]byte, tagLen)}
		copy(tag.Value, data[offset+4:offset+4+tagLen])
		tags = append(tags, tag)

		offset += 4 + tagLen
	}

	return tags, nil
}

// serializeTags serializes PPPoE tags to bytes
func serializeTags(tags []Tag) ([]byte, error) {
	size := 0
	for _, tag := range tags {
		if len(tag.Value) > 0xffff {
			return nil, fmt.Errorf("%w: tag 0x%04x value %d bytes", ErrTooLarge, tag.Type, len(tag.Value))
		}
		size += 4 + len(tag.Value)
	}
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: %d tag bytes", ErrTooLarge, size)
	}

	buf := make([]byte, size)
	offset := 0
	for _, tag := range tags {
		binary.BigEndian.PutUint16(buf[offset:offset+2], tag.Type)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(tag.Value)))
		copy(buf[offset+4:], tag.Value)
		offset += 4 + len(tag.Value)
	}
	return buf, nil
}

// Encode builds the Ethernet frame for the packet.
func (p *Packet) Encode() ([]byte, error) {
	payload, err := serializeTags(p.Tags)
	if err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       p.SrcMAC,
			DstMAC:       p.DstMAC,
			EthernetType: layers.EthernetTypePPPoEDiscovery,
		},
		&layers.PPPoE{
			Version:   1,
			Type:      1,
			Code:      layers.PPPoECode(p.Code),
			SessionId: p.SessionID,
			Length:    uint16(len(payload)),
		},
		gopacket.Payload(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", CodeName(p.Code), err)
	}
	return buf.Bytes(), nil
}

// FindTag finds a tag by type
func FindTag(tags []Tag, tagType uint16) *Tag {
	for i := range tags {
		if tags[i].Type == tagType {
			return &tags[i]
		}
	}
	return nil
}

// FindVendorTag returns the first Vendor-Specific tag carrying the given vendor id.
func FindVendorTag(tags []Tag, vendor uint32) *Tag {
	for i := range tags {
		if tags[i].Type != TagVendorSpecific || len(tags[i].Value) < 4 {
			continue
		}
		if binary.BigEndian.Uint32(tags[i].Value[:4]) == vendor {
			return &tags[i]
		}
	}
	return nil
}

// IsBroadcastMAC reports whether mac is ff:ff:ff:ff:ff:ff.
func IsBroadcastMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return true
}

// isUnicastMAC rejects group addresses (multicast and broadcast) and the zero address.
func isUnicastMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 || mac[0]&0x01 != 0 {
		return false
	}
	for _, b := range mac {
		if b != 0 {
			return true
		}
	}
	return false
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	out := make(net.HardwareAddr, len(mac))
	copy(out, mac)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
