package netmon

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// rtnetlink message types and group names (spec.md §6.1), matching
// golang.org/x/sys/unix's RTM_*/RTNLGRP_* constants.
const (
	groupLink       = unix.RTNLGRP_LINK
	groupIPv4IfAddr = unix.RTNLGRP_IPV4_IFADDR
	groupIPv6IfAddr = unix.RTNLGRP_IPV6_IFADDR
)

// IFA_* attribute identifiers carried inside RTM_NEWADDR/RTM_DELADDR
// (linux/if_addr.h), matching the constant values used by
// 039b7535_4nonX-D-PlaneOS's netlinkx client.
const (
	ifaAddress uint16 = 1
	ifaLocal   uint16 = 2
	ifaLabel   uint16 = 3
)

// IFLA_* attribute identifiers carried inside RTM_NEWLINK/RTM_DELLINK
// (linux/if_link.h).
const (
	iflaIfname uint16 = 3
)

// RTA_* attribute identifiers carried inside RTM_NEWROUTE replies.
const (
	rtaDst uint16 = 1
	rtaOif uint16 = 4
)

// linkMsg is the fixed ifinfomsg header preceding RTM_NEWLINK/DELLINK
// attributes (16 bytes).
type linkMsg struct {
	Family uint8
	_      uint8
	Type   uint16
	Index  int32
	Flags  uint32
	Change uint32
}

const linkMsgLen = 16

func decodeLinkMsg(data []byte) (linkMsg, []byte, error) {
	if len(data) < linkMsgLen {
		return linkMsg{}, nil, fmt.Errorf("netmon: ifinfomsg too short: %d bytes", len(data))
	}
	m := linkMsg{
		Family: data[0],
		Type:   uint16(data[2]) | uint16(data[3])<<8,
		Index:  int32(uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24),
		Flags:  uint32(data[8]) | uint32(data[9])<<8 | uint32(data[10])<<16 | uint32(data[11])<<24,
		Change: uint32(data[12]) | uint32(data[13])<<8 | uint32(data[14])<<16 | uint32(data[15])<<24,
	}
	return m, data[linkMsgLen:], nil
}

// linkEvent is the decoded form of one RTM_NEWLINK/RTM_DELLINK
// message, independent of the netlink wire layer so monitor state
// transitions can be unit tested without a kernel socket.
type linkEvent struct {
	del   bool
	index int32
	name  string
	flags uint32
}

func decodeLinkEvent(msgType uint16, data []byte) (linkEvent, error) {
	hdr, rest, err := decodeLinkMsg(data)
	if err != nil {
		return linkEvent{}, err
	}
	ev := linkEvent{
		del:   msgType == unix.RTM_DELLINK,
		index: hdr.Index,
		flags: hdr.Flags,
	}

	ad, err := netlink.NewAttributeDecoder(rest)
	if err != nil {
		return linkEvent{}, fmt.Errorf("netmon: decode link attrs: %w", err)
	}
	for ad.Next() {
		if ad.Type() == iflaIfname {
			ev.name = ad.String()
		}
	}
	return ev, nil
}

// addrMsg is the fixed ifaddrmsg header preceding RTM_NEWADDR/DELADDR
// attributes (8 bytes).
type addrMsg struct {
	Family    uint8
	PrefixLen uint8
	Flags     uint8
	Scope     uint8
	Index     uint32
}

const addrMsgLen = 8

func decodeAddrMsg(data []byte) (addrMsg, []byte, error) {
	if len(data) < addrMsgLen {
		return addrMsg{}, nil, fmt.Errorf("netmon: ifaddrmsg too short: %d bytes", len(data))
	}
	m := addrMsg{
		Family:    data[0],
		PrefixLen: data[1],
		Flags:     data[2],
		Scope:     data[3],
		Index:     uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24,
	}
	return m, data[addrMsgLen:], nil
}

// addrEvent is the decoded form of one RTM_NEWADDR/RTM_DELADDR
// message.
type addrEvent struct {
	del     bool
	index   int32
	scope   Scope
	addr    netip.Addr
	existing bool
}

func decodeAddrEvent(msgType uint16, data []byte, existingDump bool) (addrEvent, error) {
	hdr, rest, err := decodeAddrMsg(data)
	if err != nil {
		return addrEvent{}, err
	}
	ev := addrEvent{
		del:      msgType == unix.RTM_DELADDR,
		index:    int32(hdr.Index),
		scope:    Scope(hdr.Scope),
		existing: existingDump,
	}

	ad, err := netlink.NewAttributeDecoder(rest)
	if err != nil {
		return addrEvent{}, fmt.Errorf("netmon: decode addr attrs: %w", err)
	}

	var (
		addrBytes  []byte
		localBytes []byte
	)
	for ad.Next() {
		switch ad.Type() {
		case ifaAddress:
			addrBytes = append([]byte(nil), ad.Bytes()...)
		case ifaLocal:
			localBytes = append([]byte(nil), ad.Bytes()...)
		}
	}
	// IFA_LOCAL, when present, is the address actually assigned to the
	// interface; IFA_ADDRESS alone covers point-to-point peers.
	raw := localBytes
	if raw == nil {
		raw = addrBytes
	}
	if raw == nil {
		return addrEvent{}, fmt.Errorf("netmon: address message carries neither IFA_LOCAL nor IFA_ADDRESS")
	}

	switch len(raw) {
	case 4:
		ev.addr = netip.AddrFrom4([4]byte(raw))
	case 16:
		ev.addr = netip.AddrFrom16([16]byte(raw))
	default:
		return addrEvent{}, fmt.Errorf("netmon: unexpected address length %d", len(raw))
	}
	return ev, nil
}

// routeProbeRequest builds the RTM_GETROUTE payload toward a
// documentation-space destination, per spec.md §4.5 S4.
func routeProbeRequest(dst netip.Addr, oif int32) []byte {
	family := uint8(unix.AF_INET)
	var addrBytes []byte
	if dst.Is6() {
		family = unix.AF_INET6
		a16 := dst.As16()
		addrBytes = a16[:]
	} else {
		a4 := dst.As4()
		addrBytes = a4[:]
	}

	// rtmsg header: family, dst_len, src_len, tos, table, protocol,
	// scope, type, flags (4 bytes) -- 12 bytes total.
	header := make([]byte, 12)
	header[0] = family
	header[1] = uint8(len(addrBytes) * 8)

	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: rtaDst, Data: addrBytes},
		{Type: rtaOif, Data: []byte{byte(oif), byte(oif >> 8), byte(oif >> 16), byte(oif >> 24)}},
	})
	if err != nil {
		return nil
	}
	return append(header, attrs...)
}

// routeProbeResult is the outcome of decoding one RTM_NEWROUTE reply
// to a probe request: whether it names a default route (no RTA_DST)
// and which output interface it resolved to.
type routeProbeResult struct {
	isDefault bool
	oif       int32
}

func decodeRouteProbeReply(data []byte) (routeProbeResult, error) {
	if len(data) < 12 {
		return routeProbeResult{}, fmt.Errorf("netmon: rtmsg too short: %d bytes", len(data))
	}
	ad, err := netlink.NewAttributeDecoder(data[12:])
	if err != nil {
		return routeProbeResult{}, fmt.Errorf("netmon: decode route attrs: %w", err)
	}

	res := routeProbeResult{isDefault: true}
	for ad.Next() {
		switch ad.Type() {
		case rtaDst:
			res.isDefault = false
		case rtaOif:
			res.oif = int32(ad.Uint32())
		}
	}
	return res, nil
}

// probeDestination returns the documentation-space probe target for
// the given endpoint's family (spec.md §4.5 S4: 192.0.2.1 for v4,
// 2001:db8:: for v6).
func probeDestination(fam endpoint.Family) netip.Addr {
	if fam == endpoint.FamilyV6 {
		return netip.MustParseAddr("2001:db8::")
	}
	return netip.MustParseAddr("192.0.2.1")
}
