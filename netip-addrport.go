package tsunami

import (
	"net"
	"net/netip"
)

type addrPorter interface {
	AddrPort() netip.AddrPort
}

// Returns the zero AddrPort for addresses that aren't IP based. IPv4-mapped addresses are
// unmapped so they compare equal to their IPv4 form.
func addrPortFromNetAddr(addr net.Addr) (ap netip.AddrPort) {
	switch v := addr.(type) {
	case addrPorter:
		ap = v.AddrPort()
	default:
		ap, _ = netip.ParseAddrPort(addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
