package usrp2

import (
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/usrp2eth/ethlink"
	"github.com/rjboer/usrp2eth/wire"
)

// Props holds the properties a device reports during discovery.
// Immutable once discovered.
type Props struct {
	Addr       string       // address string as reported by the device
	HWAddr     ethlink.Addr // source hardware address of the response
	HWRev      uint16
	FPGADigest [16]byte // firmware image identity
	SWDigest   [16]byte // software image identity
}

func (p Props) String() string {
	return fmt.Sprintf("usrp2 %s hw_rev 0x%04x", p.HWAddr, p.HWRev)
}

// DiscoveryWindow is how long Find collects responses after the query
// goes out. Silence on a shared medium is expected, not an error.
const DiscoveryWindow = 300 * time.Millisecond

// Find searches the segment reachable via the named interface for
// devices. addr may be empty (find all), a full hardware address, or a
// short form expanded against the vendor prefix. Results are in arrival
// order, deduplicated by hardware address (last seen wins).
func Find(ifc, addr string) ([]Props, error) {
	link, err := ethlink.Dial(ifc)
	if err != nil {
		return nil, err
	}
	defer link.Close()
	return findOnLink(link, addr, DiscoveryWindow)
}

// findOnLink runs one discovery round on an already-open link.
func findOnLink(link ethlink.Link, addr string, window time.Duration) ([]Props, error) {
	dst := ethlink.Broadcast
	filter := false
	if addr != "" {
		a, err := ParseAddr(addr)
		if err != nil {
			return nil, err
		}
		dst = a
		filter = true
	}

	nonce := uint32(time.Now().UnixNano())
	query, err := wire.Encode(wire.Frame{Kind: wire.KindDiscoveryQuery, ID: nonce})
	if err != nil {
		return nil, err
	}
	if err := link.Send(dst, query); err != nil {
		return nil, fmt.Errorf("usrp2: discovery send: %w", err)
	}

	var (
		found []Props
		index = make(map[ethlink.Addr]int)
	)
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		src, payload, err := link.Recv(remaining)
		if errors.Is(err, ethlink.ErrTimeout) {
			break
		}
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				continue
			}
			return nil, fmt.Errorf("usrp2: discovery recv: %w", err)
		}
		f, err := wire.Decode(payload)
		if err != nil || f.Kind != wire.KindDiscoveryResponse || f.ID != nonce {
			continue
		}
		if filter && src != dst {
			continue
		}
		dr, err := wire.DecodeDiscoveryResponse(f.Payload)
		if err != nil {
			continue
		}
		p := Props{
			Addr:       dr.Addr,
			HWAddr:     src,
			HWRev:      dr.HWRev,
			FPGADigest: dr.FPGADigest,
			SWDigest:   dr.SWDigest,
		}
		if i, ok := index[src]; ok {
			found[i] = p // hardware state is static per boot; last seen wins
			continue
		}
		index[src] = len(found)
		found = append(found, p)
	}
	return found, nil
}
