package usrp2

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rjboer/usrp2eth/ethlink"
)

// vendorPrefix is the fixed OUI+range the devices ship with. A
// short-form address "hh:hh" names the device 00:50:c2:85:hh:hh.
var vendorPrefix = [4]byte{0x00, 0x50, 0xC2, 0x85}

// ParseAddr parses a device hardware address. Accepted forms are the
// full "aa:bb:cc:dd:ee:ff" and the two-byte short form "ee:ff", which
// is expanded against the vendor prefix. The empty string is not an
// address; callers treat it as "any device" before resolving.
func ParseAddr(s string) (ethlink.Addr, error) {
	var a ethlink.Addr
	short := false
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 6:
	case 2:
		short = true
		copy(a[:4], vendorPrefix[:])
		parts = append([]string{"", "", "", ""}, parts...)
	default:
		return a, fmt.Errorf("usrp2: malformed address %q", s)
	}
	for i, p := range parts {
		if short && i < 4 {
			continue // prefix byte already in place
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return ethlink.Addr{}, fmt.Errorf("usrp2: malformed address %q", s)
		}
		a[i] = byte(v)
	}
	return a, nil
}
