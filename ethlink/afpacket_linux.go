//go:build linux

package ethlink

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rjboer/usrp2eth/wire"
)

const ethHeaderSize = 14 // dst 6 + src 6 + ethertype 2

// packetLink is a Link over an AF_PACKET socket bound to one interface,
// filtered to the protocol EtherType.
type packetLink struct {
	fd      int
	ifindex int
	local   Addr

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// Dial opens a raw link on the named interface, e.g. "eth0".
// Requires CAP_NET_RAW.
func Dial(ifname string) (Link, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceUnavailable, ifname, err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("%w: %s has no hardware address", ErrInterfaceUnavailable, ifname)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(wire.EtherType)))
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrInterfaceUnavailable, err)
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherType),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %v", ErrInterfaceUnavailable, ifname, err)
	}

	l := &packetLink{fd: fd, ifindex: ifi.Index}
	copy(l.local[:], ifi.HardwareAddr)
	return l, nil
}

func (l *packetLink) LocalAddr() Addr { return l.local }

func (l *packetLink) Send(dst Addr, payload []byte) error {
	if l.isClosed() {
		return ErrClosed
	}

	buf := make([]byte, ethHeaderSize+len(payload))
	copy(buf[0:6], dst[:])
	copy(buf[6:12], l.local[:])
	buf[12] = wire.EtherType >> 8
	buf[13] = wire.EtherType & 0xFF
	copy(buf[ethHeaderSize:], payload)

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherType),
		Ifindex:  l.ifindex,
		Halen:    6,
	}
	copy(sa.Addr[:], dst[:])

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := unix.Sendto(l.fd, buf, 0, sa); err != nil {
		if err == unix.ENOBUFS || err == unix.EAGAIN {
			return fmt.Errorf("%w: %v", ErrQueueFull, err)
		}
		return fmt.Errorf("ethlink: send: %w", err)
	}
	return nil
}

func (l *packetLink) Recv(timeout time.Duration) (Addr, []byte, error) {
	if l.isClosed() {
		return Addr{}, nil, ErrClosed
	}

	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return Addr{}, nil, ErrTimeout
		}
		return Addr{}, nil, fmt.Errorf("ethlink: poll: %w", err)
	}
	if n == 0 {
		return Addr{}, nil, ErrTimeout
	}

	buf := make([]byte, ethHeaderSize+wire.HeaderSize+wire.MaxPayload)
	nr, _, err := unix.Recvfrom(l.fd, buf, 0)
	if err != nil {
		return Addr{}, nil, fmt.Errorf("ethlink: recv: %w", err)
	}
	if nr < ethHeaderSize {
		// Short read; upstream treats truncated frames as malformed.
		return Addr{}, nil, fmt.Errorf("%w: short read (%d bytes)", wire.ErrMalformed, nr)
	}

	var src Addr
	copy(src[:], buf[6:12])
	return src, buf[ethHeaderSize:nr], nil
}

func (l *packetLink) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

func (l *packetLink) isClosed() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	return l.closed
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }
