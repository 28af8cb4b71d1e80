package ethlink

import (
	"sync"
	"time"
)

// endpointQueueDepth bounds each endpoint's receive queue. The real
// medium is lossy; a full queue on a broadcast delivery drops the frame
// rather than blocking the sender.
const endpointQueueDepth = 256

type segFrame struct {
	src     Addr
	payload []byte
}

// Segment is an in-memory Ethernet segment: every attached Endpoint can
// unicast to any other and broadcast to all. Used by tests and device
// simulators in place of an AF_PACKET socket.
type Segment struct {
	mu  sync.Mutex
	eps map[Addr]*Endpoint
}

// NewSegment creates an empty segment.
func NewSegment() *Segment {
	return &Segment{eps: make(map[Addr]*Endpoint)}
}

// Attach adds an endpoint with the given hardware address.
func (s *Segment) Attach(addr Addr) *Endpoint {
	ep := &Endpoint{
		seg:   s,
		local: addr,
		rx:    make(chan segFrame, endpointQueueDepth),
	}
	s.mu.Lock()
	s.eps[addr] = ep
	s.mu.Unlock()
	return ep
}

func (s *Segment) detach(addr Addr) {
	s.mu.Lock()
	delete(s.eps, addr)
	s.mu.Unlock()
}

// deliver routes one frame. Unicast to a full queue reports flow
// control; broadcast drops silently, like the wire would.
func (s *Segment) deliver(src, dst Addr, payload []byte) error {
	cp := append([]byte(nil), payload...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if dst.IsBroadcast() {
		for a, ep := range s.eps {
			if a == src {
				continue
			}
			select {
			case ep.rx <- segFrame{src: src, payload: cp}:
			default:
			}
		}
		return nil
	}

	ep, ok := s.eps[dst]
	if !ok {
		// Nobody home; frames to absent stations vanish on a real
		// segment too.
		return nil
	}
	select {
	case ep.rx <- segFrame{src: src, payload: cp}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Endpoint is one station on a Segment. It implements Link.
type Endpoint struct {
	seg   *Segment
	local Addr
	rx    chan segFrame

	closeMu sync.Mutex
	closed  bool
}

var _ Link = (*Endpoint)(nil)

func (e *Endpoint) LocalAddr() Addr { return e.local }

func (e *Endpoint) Send(dst Addr, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.seg.deliver(e.local, dst, payload)
}

func (e *Endpoint) Recv(timeout time.Duration) (Addr, []byte, error) {
	if e.isClosed() {
		return Addr{}, nil, ErrClosed
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-e.rx:
		return f.src, f.payload, nil
	case <-t.C:
		return Addr{}, nil, ErrTimeout
	}
}

func (e *Endpoint) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.seg.detach(e.local)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}
