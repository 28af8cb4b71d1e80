// Package wire encodes and decodes the raw Ethernet frames spoken by
// USRP2-class devices.
//
// Every frame starts with a fixed 8-byte header followed by a
// kind-specific payload. All multi-byte integers are big-endian
// (network order):
//
//	uint8  kind
//	uint32 id       transaction id, or sequence number for stream data
//	uint8  channel
//	uint16 length   payload byte count
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EtherType is the link-layer protocol number the devices listen on.
const EtherType = 0xBEEF

// Kind identifies the frame type carried in the header.
type Kind uint8

const (
	KindDiscoveryQuery    Kind = 0x01
	KindDiscoveryResponse Kind = 0x02
	KindControlCommand    Kind = 0x03
	KindControlResponse   Kind = 0x04
	KindStreamData        Kind = 0x05
	KindStreamControl     Kind = 0x06
)

func (k Kind) String() string {
	switch k {
	case KindDiscoveryQuery:
		return "DISCOVERY_QUERY"
	case KindDiscoveryResponse:
		return "DISCOVERY_RESPONSE"
	case KindControlCommand:
		return "CONTROL_COMMAND"
	case KindControlResponse:
		return "CONTROL_RESPONSE"
	case KindStreamData:
		return "STREAM_DATA"
	case KindStreamControl:
		return "STREAM_CONTROL"
	default:
		return fmt.Sprintf("KIND(0x%02x)", uint8(k))
	}
}

const (
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 8

	// MaxItemsPerFrame is the largest number of 32-bit sample items one
	// STREAM_DATA frame may carry. A 1514-byte Ethernet frame leaves
	// 1500 bytes after the link header, minus the frame header and the
	// stream metadata: (1500 - 8 - 8) / 4 = 371.
	MaxItemsPerFrame = 371

	// MaxPayload is the largest payload any frame may carry.
	MaxPayload = streamMetaSize + 4*MaxItemsPerFrame
)

// ErrMalformed reports a frame that fails structural validation.
// Malformed frames are dropped by the receive path, never fatal.
var ErrMalformed = errors.New("wire: malformed frame")

// Frame is one decoded link-layer protocol unit.
type Frame struct {
	Kind    Kind
	ID      uint32
	Channel uint8
	Payload []byte
}

// Encode renders f into a freshly allocated byte buffer.
func Encode(f Frame) ([]byte, error) {
	if !validKind(f.Kind) {
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformed, uint8(f.Kind))
	}
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes", ErrMalformed, len(f.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = uint8(f.Kind)
	binary.BigEndian.PutUint32(buf[1:5], f.ID)
	buf[5] = f.Channel
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses one frame from buf. The payload length is validated
// against the buffer before any field is interpreted; the returned
// payload aliases buf.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformed, len(buf))
	}
	f := Frame{
		Kind:    Kind(buf[0]),
		ID:      binary.BigEndian.Uint32(buf[1:5]),
		Channel: buf[5],
	}
	if !validKind(f.Kind) {
		return Frame{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformed, buf[0])
	}
	plen := int(binary.BigEndian.Uint16(buf[6:8]))
	if plen != len(buf)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: payload length %d, have %d bytes", ErrMalformed, plen, len(buf)-HeaderSize)
	}
	f.Payload = buf[HeaderSize:]
	return f, nil
}

func validKind(k Kind) bool {
	return k >= KindDiscoveryQuery && k <= KindStreamControl
}
