package metadata

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Endpoint is an address and port pair. Address is either an IP literal or a
// host name; it may hold several space separated addresses, see Split.
type Endpoint struct {
	Address string
	Port    uint16
}

func ParseEndpoint(address string, port uint16) Endpoint {
	return Endpoint{Address: strings.TrimSpace(address), Port: port}
}

func EndpointFromAddrPort(addrPort netip.AddrPort) Endpoint {
	return Endpoint{Address: addrPort.Addr().Unmap().String(), Port: addrPort.Port()}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// Split expands a space separated address list into one endpoint per address.
func (e Endpoint) Split() []Endpoint {
	fields := strings.Fields(e.Address)
	if len(fields) <= 1 {
		return []Endpoint{e}
	}
	endpoints := make([]Endpoint, 0, len(fields))
	for _, address := range fields {
		endpoints = append(endpoints, Endpoint{Address: address, Port: e.Port})
	}
	return endpoints
}

func (e Endpoint) IsIP() bool {
	_, err := netip.ParseAddr(e.Address)
	return err == nil
}
