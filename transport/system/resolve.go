package system

import (
	"context"
	"net"
	"net/netip"
	"sort"

	E "github.com/sagernet/sing-pipeline/common/exceptions"
)

// Resolve returns the addresses of host, IPv4 first unless preferIPv6 is
// set, in which case IPv6 addresses come first. IP literals resolve to
// themselves.
func Resolve(ctx context.Context, host string, preferIPv6 bool) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{unmap(addr)}, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, E.Cause(err, "resolve ", host)
	}
	if len(addrs) == 0 {
		return nil, E.New("resolve ", host, ": no addresses")
	}
	for i := range addrs {
		addrs[i] = unmap(addrs[i])
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		if preferIPv6 {
			return addrs[i].Is6() && !addrs[j].Is6()
		}
		return addrs[i].Is4() && !addrs[j].Is4()
	})
	return addrs, nil
}

func unmap(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		return addr.Unmap()
	}
	return addr
}
