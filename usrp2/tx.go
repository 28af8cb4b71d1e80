package usrp2

import (
	"fmt"
	"sync"

	"github.com/rjboer/usrp2eth/wire"
)

// TxMetadata tags one outbound burst. The timestamp is a device tick
// count; SendNow asks the device to ignore it and transmit
// immediately. Read-only to the engine.
type TxMetadata struct {
	Timestamp    uint32
	SendNow      bool
	StartOfBurst bool
	EndOfBurst   bool
}

// sendNowBurst is what a nil metadata argument means: one complete
// untimed burst.
var sendNowBurst = TxMetadata{SendNow: true, StartOfBurst: true, EndOfBurst: true}

// txState carries the per-channel outbound sequence counter.
type txState struct {
	mu  sync.Mutex
	seq [MaxChan]uint32
}

// TxComplex64 transmits floating-point complex samples in [-1.0, +1.0].
// Each component is scaled by the configured IQ scale, saturated to 16
// bits, and packed into the wire format. md nil means "send now" as a
// single complete burst.
func (s *Session) TxComplex64(channel uint, samples []complex64, md *TxMetadata) error {
	s.scaleMu.Lock()
	si, sq := s.txScaleI, s.txScaleQ
	s.scaleMu.Unlock()
	return s.TxRaw(channel, wire.PackComplex64(samples, si, sq), md)
}

// TxInt16 transmits fixed-point complex samples.
func (s *Session) TxInt16(channel uint, samples []wire.ComplexInt16, md *TxMetadata) error {
	return s.TxRaw(channel, wire.PackComplexInt16(samples), md)
}

// TxRaw transmits pre-formatted 32-bit wire items. The burst is
// fragmented into frames of at most wire.MaxItemsPerFrame items; the
// metadata's timestamp and start-of-burst flag ride on the first
// fragment only, end-of-burst on the last only, so the device treats
// the whole call as one timed event.
//
// Partial transmission is not a supported outcome: any send failure
// fails the call, and the device discards the unterminated burst.
func (s *Session) TxRaw(channel uint, items []uint32, md *TxMetadata) error {
	if channel >= MaxChan {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if len(items) == 0 {
		return nil
	}
	if md == nil {
		md = &sendNowBurst
	}

	nfrags := (len(items) + wire.MaxItemsPerFrame - 1) / wire.MaxItemsPerFrame
	for i := 0; i < nfrags; i++ {
		lo := i * wire.MaxItemsPerFrame
		hi := lo + wire.MaxItemsPerFrame
		if hi > len(items) {
			hi = len(items)
		}

		sd := wire.StreamData{Items: items[lo:hi]}
		if i == 0 {
			sd.Timestamp = md.Timestamp
			if md.StartOfBurst {
				sd.Flags |= wire.FlagStartOfBurst
			}
			if md.SendNow {
				sd.Flags |= wire.FlagSendNow
			}
		}
		if i == nfrags-1 && md.EndOfBurst {
			sd.Flags |= wire.FlagEndOfBurst
		}

		payload, err := wire.EncodeStreamData(sd)
		if err != nil {
			return err
		}
		frame, err := wire.Encode(wire.Frame{
			Kind:    wire.KindStreamData,
			ID:      s.nextTxSeq(channel),
			Channel: uint8(channel),
			Payload: payload,
		})
		if err != nil {
			return err
		}
		// The blocking send is the pacing: the transport pushes back
		// before the device's input queue overruns. A refused frame
		// fails the whole burst rather than silently dropping a tail.
		if err := s.send(frame); err != nil {
			return fmt.Errorf("usrp2: tx fragment %d/%d: %w", i+1, nfrags, err)
		}
	}
	return nil
}

func (s *Session) nextTxSeq(channel uint) uint32 {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	seq := s.tx.seq[channel]
	s.tx.seq[channel]++
	return seq
}
