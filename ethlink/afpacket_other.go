//go:build !linux

package ethlink

import "fmt"

// Dial requires AF_PACKET sockets, which only Linux provides.
func Dial(ifname string) (Link, error) {
	return nil, fmt.Errorf("%w: %s: raw ethernet transport requires linux", ErrInterfaceUnavailable, ifname)
}
