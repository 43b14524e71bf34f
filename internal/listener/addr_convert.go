package listener

import "net/netip"

func addrFrom4(b [4]byte) netip.Addr {
	return netip.AddrFrom4(b)
}

func addrFrom16(b [16]byte) netip.Addr {
	return netip.AddrFrom16(b)
}
