package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Opcode selects the control operation carried by a CONTROL_COMMAND.
type Opcode uint8

const (
	OpSetRxGain    Opcode = 0x01
	OpSetTxGain    Opcode = 0x02
	OpSetRxFreq    Opcode = 0x03
	OpSetTxFreq    Opcode = 0x04
	OpSetRxDecim   Opcode = 0x05
	OpSetTxInterp  Opcode = 0x06
	OpSetRxScaleIQ Opcode = 0x07
	OpSetTxScaleIQ Opcode = 0x08
	OpBurnMAC      Opcode = 0x09
	OpConfigMIMO   Opcode = 0x0A
	OpStreamCtl    Opcode = 0x0B
)

// StatusOK is the response status reporting success; any other value is
// a device rejection code.
const StatusOK = 0

// Stream data flags.
const (
	FlagStartOfBurst uint32 = 1 << 0
	FlagEndOfBurst   uint32 = 1 << 1
	FlagSendNow      uint32 = 1 << 2
)

// Stream control operations.
const (
	StreamStop  = 0
	StreamStart = 1
)

const streamMetaSize = 8 // flags u32 + timestamp u32

// EncodeCommand builds a CONTROL_COMMAND payload.
func EncodeCommand(op Opcode, body []byte) []byte {
	p := make([]byte, 1+len(body))
	p[0] = uint8(op)
	copy(p[1:], body)
	return p
}

// DecodeCommand splits a CONTROL_COMMAND payload into opcode and body.
func DecodeCommand(p []byte) (Opcode, []byte, error) {
	if len(p) < 1 {
		return 0, nil, fmt.Errorf("%w: empty command payload", ErrMalformed)
	}
	return Opcode(p[0]), p[1:], nil
}

// EncodeResponse builds a CONTROL_RESPONSE payload.
func EncodeResponse(op Opcode, status uint8, body []byte) []byte {
	p := make([]byte, 2+len(body))
	p[0] = uint8(op)
	p[1] = status
	copy(p[2:], body)
	return p
}

// DecodeResponse splits a CONTROL_RESPONSE payload into opcode, status
// code, and body.
func DecodeResponse(p []byte) (Opcode, uint8, []byte, error) {
	if len(p) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: short response payload (%d bytes)", ErrMalformed, len(p))
	}
	return Opcode(p[0]), p[1], p[2:], nil
}

// DiscoveryResponse is the payload of a DISCOVERY_RESPONSE frame.
type DiscoveryResponse struct {
	Addr       string
	HWRev      uint16
	FPGADigest [16]byte
	SWDigest   [16]byte
}

// EncodeDiscoveryResponse renders r as an on-the-wire payload.
func EncodeDiscoveryResponse(r DiscoveryResponse) ([]byte, error) {
	if len(r.Addr) > 255 {
		return nil, fmt.Errorf("%w: address string %d bytes", ErrMalformed, len(r.Addr))
	}
	p := make([]byte, 0, 1+len(r.Addr)+2+32)
	p = append(p, uint8(len(r.Addr)))
	p = append(p, r.Addr...)
	p = binary.BigEndian.AppendUint16(p, r.HWRev)
	p = append(p, r.FPGADigest[:]...)
	p = append(p, r.SWDigest[:]...)
	return p, nil
}

// DecodeDiscoveryResponse parses a DISCOVERY_RESPONSE payload.
func DecodeDiscoveryResponse(p []byte) (DiscoveryResponse, error) {
	var r DiscoveryResponse
	if len(p) < 1 {
		return r, fmt.Errorf("%w: empty discovery payload", ErrMalformed)
	}
	alen := int(p[0])
	if len(p) != 1+alen+2+32 {
		return r, fmt.Errorf("%w: discovery payload %d bytes, addr len %d", ErrMalformed, len(p), alen)
	}
	r.Addr = string(p[1 : 1+alen])
	r.HWRev = binary.BigEndian.Uint16(p[1+alen : 3+alen])
	copy(r.FPGADigest[:], p[3+alen:19+alen])
	copy(r.SWDigest[:], p[19+alen:35+alen])
	return r, nil
}

// StreamData is the payload of a STREAM_DATA frame: burst metadata
// followed by 32-bit sample items.
type StreamData struct {
	Flags     uint32
	Timestamp uint32
	Items     []uint32
}

// EncodeStreamData renders sd as an on-the-wire payload.
func EncodeStreamData(sd StreamData) ([]byte, error) {
	if len(sd.Items) > MaxItemsPerFrame {
		return nil, fmt.Errorf("%w: %d items exceeds %d per frame", ErrMalformed, len(sd.Items), MaxItemsPerFrame)
	}
	p := make([]byte, streamMetaSize+4*len(sd.Items))
	binary.BigEndian.PutUint32(p[0:4], sd.Flags)
	binary.BigEndian.PutUint32(p[4:8], sd.Timestamp)
	for i, it := range sd.Items {
		binary.BigEndian.PutUint32(p[streamMetaSize+4*i:], it)
	}
	return p, nil
}

// DecodeStreamData parses a STREAM_DATA payload.
func DecodeStreamData(p []byte) (StreamData, error) {
	var sd StreamData
	if len(p) < streamMetaSize || (len(p)-streamMetaSize)%4 != 0 {
		return sd, fmt.Errorf("%w: stream payload %d bytes", ErrMalformed, len(p))
	}
	sd.Flags = binary.BigEndian.Uint32(p[0:4])
	sd.Timestamp = binary.BigEndian.Uint32(p[4:8])
	n := (len(p) - streamMetaSize) / 4
	sd.Items = make([]uint32, n)
	for i := range sd.Items {
		sd.Items[i] = binary.BigEndian.Uint32(p[streamMetaSize+4*i:])
	}
	return sd, nil
}

// EncodeStreamControl builds a STREAM_CONTROL payload.
func EncodeStreamControl(start bool, itemsPerFrame uint32) []byte {
	p := make([]byte, 5)
	if start {
		p[0] = StreamStart
	}
	binary.BigEndian.PutUint32(p[1:5], itemsPerFrame)
	return p
}

// DecodeStreamControl parses a STREAM_CONTROL payload.
func DecodeStreamControl(p []byte) (start bool, itemsPerFrame uint32, err error) {
	if len(p) != 5 {
		return false, 0, fmt.Errorf("%w: stream control payload %d bytes", ErrMalformed, len(p))
	}
	return p[0] == StreamStart, binary.BigEndian.Uint32(p[1:5]), nil
}

// AppendFloat64 appends the IEEE-754 bits of v in big-endian order.
func AppendFloat64(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

// Float64 reads a big-endian IEEE-754 value from the front of b.
func Float64(b []byte) (float64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: short float field (%d bytes)", ErrMalformed, len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// AppendInt32 appends v in big-endian order.
func AppendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

// Int32 reads a big-endian int32 from the front of b.
func Int32(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: short int field (%d bytes)", ErrMalformed, len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}
