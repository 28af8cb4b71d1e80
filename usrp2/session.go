// Package usrp2 is the host-side session engine for USRP2-class SDR
// devices attached via raw Ethernet. It covers discovery, an addressed
// command/response session, and real-time sample streaming in both
// directions.
package usrp2

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rjboer/usrp2eth/ethlink"
	"github.com/rjboer/usrp2eth/wire"
)

// MaxChan is the number of independent streaming channels a device
// exposes. Channel indices are valid in [0, MaxChan).
const MaxChan = 30

const (
	defaultCommandTimeout = 100 * time.Millisecond
	defaultRetryInterval  = 10 * time.Millisecond
	defaultAttempts       = 3

	// rxPollInterval bounds every blocking wait in the receive loop so
	// shutdown is never stuck on a silent wire.
	rxPollInterval = 50 * time.Millisecond
)

type pendingTxn struct {
	id   uint32
	resp chan wire.Frame
}

// Session is an exclusive handle on one device. It owns the transport
// and all per-channel streaming state; it must not be copied (it
// embeds mutexes, so go vet flags copies).
//
// A command transaction and the streaming receive loop may run
// concurrently; sends are serialized so frames never interleave on the
// wire.
type Session struct {
	link ethlink.Link
	dev  ethlink.Addr
	log  zerolog.Logger

	cmdTimeout    time.Duration
	retryInterval time.Duration
	attempts      int

	sendMu sync.Mutex // one outbound frame at a time

	cmdMu  sync.Mutex // one outstanding transaction per session
	txnID  uint32
	pendMu sync.Mutex
	pend   *pendingTxn

	// host-side cache of the transmit IQ scaling, applied during
	// float-to-wire conversion
	scaleMu  sync.Mutex
	txScaleI int32
	txScaleQ int32

	chans [MaxChan]rxChannel
	tx    txState

	rxGID  atomic.Int64 // goroutine id of the receive loop
	closed chan struct{}
	done   chan struct{}
	closeO sync.Once
}

// Open establishes a session over the named interface. addr may be a
// full hardware address, a short form ("ee:ff"), or empty; with an
// empty address exactly one device must answer discovery, otherwise
// Open fails with ErrDeviceNotFound or ErrAmbiguousDevice.
func Open(ifc, addr string) (*Session, error) {
	link, err := ethlink.Dial(ifc)
	if err != nil {
		return nil, err
	}
	s, err := OpenLink(link, addr)
	if err != nil {
		link.Close()
		return nil, err
	}
	return s, nil
}

// OpenLink establishes a session over an already-open link. The session
// takes ownership of the link.
func OpenLink(link ethlink.Link, addr string) (*Session, error) {
	var dev ethlink.Addr
	if addr == "" {
		found, err := findOnLink(link, "", DiscoveryWindow)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("%w: no discovery response", ErrDeviceNotFound)
		}
		if len(found) > 1 {
			return nil, fmt.Errorf("%w: %d answered", ErrAmbiguousDevice, len(found))
		}
		dev = found[0].HWAddr
	} else {
		// Direct addressing skips the discovery round-trip entirely.
		a, err := ParseAddr(addr)
		if err != nil {
			return nil, err
		}
		dev = a
	}

	s := &Session{
		link:          link,
		dev:           dev,
		log:           zerolog.Nop(),
		cmdTimeout:    defaultCommandTimeout,
		retryInterval: defaultRetryInterval,
		attempts:      defaultAttempts,
		txScaleI:      1,
		txScaleQ:      1,
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for i := range s.chans {
		s.chans[i].init()
	}
	go s.recvLoop()
	return s, nil
}

// SetLogger installs a structured logger. The default discards.
func (s *Session) SetLogger(l zerolog.Logger) { s.log = l }

// SetCommandTimeout adjusts the per-attempt response deadline.
func (s *Session) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		s.cmdTimeout = d
	}
}

// SetAttempts adjusts how many times a command is tried before the
// transaction fails with ErrTimeout.
func (s *Session) SetAttempts(n int) {
	if n > 0 {
		s.attempts = n
	}
}

// MACAddr returns the hardware address of the bound device.
func (s *Session) MACAddr() string { return s.dev.String() }

// Close stops all active streaming channels, shuts down the receive
// loop, and releases the transport.
func (s *Session) Close() error {
	var err error
	s.closeO.Do(func() {
		for ch := range s.chans {
			c := &s.chans[ch]
			c.mu.Lock()
			active := c.streaming
			c.mu.Unlock()
			if active {
				// Best effort; local state is what matters on the way out.
				_ = s.StopRxStreaming(uint(ch))
			}
		}
		close(s.closed)
		err = s.link.Close()
		<-s.done
	})
	return err
}

// send writes one encoded frame to the device. Serialized so command
// and transmit traffic never interleave mid-frame.
func (s *Session) send(buf []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.link.Send(s.dev, buf)
}

// recvLoop is the only reader of the link. It routes control responses
// to the pending transaction and stream data to the channel pipelines.
func (s *Session) recvLoop() {
	defer close(s.done)
	s.rxGID.Store(goroutineID())

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		src, payload, err := s.link.Recv(rxPollInterval)
		if err != nil {
			if errors.Is(err, ethlink.ErrTimeout) || errors.Is(err, wire.ErrMalformed) {
				continue
			}
			// Link closed or fatally broken.
			return
		}
		if src != s.dev {
			continue // not our device; shared medium
		}
		f, err := wire.Decode(payload)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Kind {
		case wire.KindControlResponse:
			s.dispatchResponse(f)
		case wire.KindStreamData:
			s.handleStreamData(f)
		default:
			s.log.Debug().Stringer("kind", f.Kind).Msg("ignoring unexpected frame")
		}
	}
}

func (s *Session) dispatchResponse(f wire.Frame) {
	s.pendMu.Lock()
	p := s.pend
	s.pendMu.Unlock()
	if p == nil || p.id != f.ID {
		s.log.Debug().Uint32("txn", f.ID).Msg("response matches no pending transaction")
		return
	}
	select {
	case p.resp <- f:
	default:
		// Duplicate response to a retried command; the first one won.
	}
}

// RxOverruns returns how many sequence gaps have been observed since
// the session opened, summed over all channels.
func (s *Session) RxOverruns() uint32 {
	var n uint32
	for i := range s.chans {
		n += s.chans[i].overruns.Load()
	}
	return n
}

// RxMissing returns the total number of frames lost to overruns since
// the session opened, summed over all channels.
func (s *Session) RxMissing() uint32 {
	var n uint32
	for i := range s.chans {
		n += s.chans[i].missing.Load()
	}
	return n
}
