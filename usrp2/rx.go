package usrp2

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rjboer/usrp2eth/wire"
)

// RxHandler consumes one frame's worth of received sample items. It
// runs on the session's delivery path, so it must not block for long.
// Returning false stops streaming on that channel.
//
// Calling StopRxStreaming from inside the handler is tolerated; the
// preferred way to stop from the handler is the return value.
type RxHandler func(channel uint, items []uint32, endOfBurst bool) bool

// rxChannel tracks one streaming channel.
// STOPPED -> STREAMING -> STOPPED; counters survive transitions and
// reset only when the session is created.
type rxChannel struct {
	mu            sync.Mutex
	idle          *sync.Cond // signaled when a delivery finishes
	streaming     bool
	starting      bool // start command in flight
	stopPending   bool // asynchronous stop command in flight
	itemsPerFrame uint32
	handler       RxHandler
	nextSeq       uint32
	haveSeq       bool
	delivering    bool

	overruns atomic.Uint32
	missing  atomic.Uint32
}

func (c *rxChannel) init() {
	c.idle = sync.NewCond(&c.mu)
}

// StartRxStreaming asks the device to stream itemsPerFrame 32-bit
// items per frame on the channel and registers the consumer handler.
// itemsPerFrame 0 selects the largest frame the wire allows.
func (s *Session) StartRxStreaming(channel uint, itemsPerFrame uint, h RxHandler) error {
	if channel >= MaxChan {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if h == nil {
		return fmt.Errorf("usrp2: nil rx handler")
	}
	if itemsPerFrame == 0 || itemsPerFrame > wire.MaxItemsPerFrame {
		itemsPerFrame = wire.MaxItemsPerFrame
	}

	c := &s.chans[channel]
	c.mu.Lock()
	// starting closes the window between this check and the device's
	// acknowledgment; stopPending means a stop issued from the delivery
	// path has not been confirmed yet, so a restart would race it.
	if c.streaming || c.starting || c.stopPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrChannelBusy, channel)
	}
	c.starting = true
	c.mu.Unlock()

	_, err := s.transact(wire.KindStreamControl, uint8(channel),
		wire.EncodeStreamControl(true, uint32(itemsPerFrame)))

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.streaming = true
	c.handler = h
	c.itemsPerFrame = uint32(itemsPerFrame)
	c.haveSeq = false
	c.mu.Unlock()

	s.log.Debug().Uint("channel", channel).Uint("items_per_frame", itemsPerFrame).Msg("rx streaming started")
	return nil
}

// StopRxStreaming stops streaming on the channel. The local transition
// to STOPPED happens unconditionally, before the stop command goes on
// the wire, so the pipeline never keeps delivering to a consumer that
// asked out; the command's error, if any, is still reported.
//
// When called from any goroutine other than the delivery path, no
// handler invocation for this channel is in flight once Stop returns.
// A stop issued from the delivery path completes asynchronously; until
// the device confirms it, StartRxStreaming on the channel reports
// ErrChannelBusy.
func (s *Session) StopRxStreaming(channel uint) error {
	if channel >= MaxChan {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	c := &s.chans[channel]

	// The receive loop routes command responses, so a synchronous stop
	// command issued from inside a handler would deadlock waiting on
	// ourselves. Detect that and go asynchronous.
	reentrant := goroutineID() == s.rxGID.Load()

	c.mu.Lock()
	wasStreaming := c.streaming
	c.streaming = false
	if wasStreaming && reentrant {
		// The channel refuses to restart until the device has confirmed
		// the asynchronous stop, so a stale stop can never land after a
		// fresh start. Set in the same critical section as the state
		// flip; a restart must never observe one without the other.
		c.stopPending = true
	}
	c.mu.Unlock()

	var cmdErr error
	if wasStreaming {
		stop := wire.EncodeStreamControl(false, 0)
		if reentrant {
			go func() {
				if _, err := s.transact(wire.KindStreamControl, uint8(channel), stop); err != nil {
					s.log.Warn().Err(err).Uint("channel", channel).Msg("stream stop command failed")
				}
				c.mu.Lock()
				c.stopPending = false
				c.mu.Unlock()
			}()
		} else {
			_, cmdErr = s.transact(wire.KindStreamControl, uint8(channel), stop)
		}
	}

	if !reentrant {
		// Quiesce: wait out any in-flight delivery.
		c.mu.Lock()
		for c.delivering {
			c.idle.Wait()
		}
		c.mu.Unlock()
	}

	if cmdErr != nil {
		return fmt.Errorf("usrp2: stream stop: %w", cmdErr)
	}
	return nil
}

// handleStreamData runs on the receive loop for every inbound
// STREAM_DATA frame. The frame's id is the per-channel sequence
// number; a gap counts one overrun and gapsize missing frames, then
// processing resumes from the new sequence value. The protocol is
// receive-only for data, so there is nothing to retransmit.
func (s *Session) handleStreamData(f wire.Frame) {
	ch := uint(f.Channel)
	if ch >= MaxChan {
		s.log.Debug().Uint("channel", ch).Msg("stream data for invalid channel")
		return
	}
	sd, err := wire.DecodeStreamData(f.Payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed stream data")
		return
	}

	c := &s.chans[ch]
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	if c.haveSeq && f.ID != c.nextSeq {
		gap := f.ID - c.nextSeq // wraps correctly in uint32
		c.overruns.Add(1)
		c.missing.Add(gap)
	}
	c.nextSeq = f.ID + 1
	c.haveSeq = true
	h := c.handler
	c.delivering = true
	c.mu.Unlock()

	cont := h(ch, sd.Items, sd.Flags&wire.FlagEndOfBurst != 0)

	c.mu.Lock()
	c.delivering = false
	c.idle.Broadcast()
	c.mu.Unlock()

	if !cont {
		// Implicit stop requested by the consumer.
		if err := s.StopRxStreaming(ch); err != nil {
			s.log.Warn().Err(err).Uint("channel", ch).Msg("implicit stop failed")
		}
	}
}

// goroutineID extracts the running goroutine's id from its stack
// header. Used only to recognize stop requests made from the delivery
// path itself.
func goroutineID() int64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return -1
	}
	return id
}
