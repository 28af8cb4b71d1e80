// Package ethlink moves raw protocol frames over a local Ethernet
// segment. Devices on the segment have no IP stack, so everything is
// addressed by hardware address: unicast for an established session,
// broadcast for discovery.
//
// Dial opens an AF_PACKET socket on a named interface. NewSegment
// builds an in-memory segment with the same semantics for tests and
// simulation.
package ethlink

import (
	"errors"
	"fmt"
	"time"
)

// Addr is a 48-bit hardware address.
type Addr [6]byte

// Broadcast is the all-ones hardware address.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

var (
	// ErrInterfaceUnavailable reports that the named network interface
	// cannot be opened. Fatal for the session relying on it.
	ErrInterfaceUnavailable = errors.New("ethlink: interface unavailable")

	// ErrTimeout reports that no frame arrived within the receive
	// deadline. Recoverable; retry logic at higher layers depends on it.
	ErrTimeout = errors.New("ethlink: receive timeout")

	// ErrClosed reports use of a closed link.
	ErrClosed = errors.New("ethlink: link closed")

	// ErrQueueFull reports that the peer's input queue refused a frame.
	// Transmit pipelines treat this as flow control, not loss.
	ErrQueueFull = errors.New("ethlink: destination queue full")
)

// Link sends and receives raw protocol frames on one network segment.
//
// Send and Recv are each internally serialized: two concurrent Sends
// never interleave mid-frame, and the same holds for Recv. A Send and
// a Recv may proceed concurrently; the medium is full duplex.
type Link interface {
	// Send transmits one frame payload to dst (or to everyone when dst
	// is Broadcast). It blocks until the frame is handed to the medium.
	Send(dst Addr, payload []byte) error

	// Recv waits up to timeout for one inbound frame and returns its
	// source address and payload. Returns ErrTimeout when the deadline
	// passes with nothing received.
	Recv(timeout time.Duration) (src Addr, payload []byte, err error)

	// LocalAddr returns the hardware address frames are sent from.
	LocalAddr() Addr

	Close() error
}
