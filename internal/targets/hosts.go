package targets

import (
	"fmt"
	"iter"
	"net/netip"
	"strings"

	"github.com/anstrom/scanorama-agent/internal/errors"
)

// ParseTarget parses a single address or a CIDR block. A block with host
// bits set, such as 10.0.0.1/24, is rejected. A single address becomes a
// full-length prefix.
func ParseTarget(spec string) (netip.Prefix, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return netip.Prefix{}, errors.ErrInvalidTarget(spec, fmt.Errorf("empty target"))
	}

	if strings.Contains(spec, "/") {
		prefix, err := netip.ParsePrefix(spec)
		if err != nil {
			return netip.Prefix{}, errors.ErrInvalidTarget(spec, err)
		}
		if prefix.Masked() != prefix {
			return netip.Prefix{}, errors.ErrInvalidTarget(spec,
				fmt.Errorf("has host bits set, network is %s", prefix.Masked()))
		}
		return prefix, nil
	}

	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return netip.Prefix{}, errors.ErrInvalidTarget(spec, err)
	}
	if addr.Zone() != "" {
		return netip.Prefix{}, errors.ErrInvalidTarget(spec, fmt.Errorf("zoned addresses are not supported"))
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Hosts yields the usable host addresses of prefix in ascending order.
//
// A single-address prefix yields that address. IPv4 blocks skip the network
// and broadcast addresses except for /31. IPv6 blocks skip only the
// subnet-router anycast address except for /127.
func Hosts(prefix netip.Prefix) iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		first := prefix.Masked().Addr()
		last := lastAddr(prefix)

		if prefix.IsSingleIP() {
			yield(first)
			return
		}

		pointToPoint := prefix.Bits() == first.BitLen()-1
		if !pointToPoint {
			first = first.Next()
			if first.Is4() {
				last = last.Prev()
			}
		}

		for addr := first; ; addr = addr.Next() {
			if !yield(addr) || addr == last {
				return
			}
		}
	}
}

// lastAddr returns the highest address in prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Masked().Addr().AsSlice()
	bits := prefix.Bits()
	for i := range b {
		start := i * 8
		switch {
		case start+8 <= bits:
		case start >= bits:
			b[i] = 0xff
		default:
			b[i] |= byte(0xff >> uint(bits-start))
		}
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}
