package pm

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// nlaFNested is the NLA_F_NESTED bit (linux/netlink.h) set on the
// container attribute's type so the kernel knows its payload is itself
// a sequence of attributes rather than a scalar.
const nlaFNested uint16 = 1 << 15

// encodeAddr builds the nested PM_ATTR_ADDR payload used by upstream
// add_addr/remove_addr/get_addr/set_flags/subflow commands (spec.md
// §6.2, scenario S3): family, address, and optional id/flags/ifindex.
// Optional fields whose value is the zero sentinel omit both header
// and payload.
func encodeAddr(ep endpoint.Endpoint, id uint8, flags AddrFlags, ifIndex int32) ([]byte, error) {
	fam, err := ep.Family()
	if err != nil {
		return nil, err
	}

	attrs := []netlink.Attribute{{Type: addrAttrFamily, Data: nlenc.Uint16Bytes(wireFamily(fam))}}
	if fam == endpoint.FamilyV4 {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrAddr4, Data: ep.Bytes()})
	} else {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrAddr6, Data: ep.Bytes()})
	}
	if ep.Port != 0 {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrPort, Data: nlenc.Uint16Bytes(ep.Port)})
	}
	if id != 0 {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrID, Data: nlenc.Uint8Bytes(id)})
	}
	if flags != 0 {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrFlags, Data: nlenc.Uint32Bytes(uint32(flags))})
	}
	if ifIndex != 0 {
		attrs = append(attrs, netlink.Attribute{Type: addrAttrIfIndex, Data: nlenc.Uint32Bytes(uint32(ifIndex))})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode addr: %w", ErrSend)
	}
	return data, nil
}

// decodeAddressInfo parses a nested PM_ATTR_ADDR payload (as returned
// inside a dump/get_addr reply) into an AddressInfo.
func decodeAddressInfo(outer []byte) (AddressInfo, error) {
	ad, err := netlink.NewAttributeDecoder(outer)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("decode address info: %w", err)
	}

	var (
		info AddressInfo
		addr netlinkAddrBuilder
	)

	for ad.Next() {
		if ad.Type()&^nlaFNested != attrUpstreamAddr {
			continue
		}
		inner, innerErr := netlink.NewAttributeDecoder(ad.Bytes())
		if innerErr != nil {
			continue
		}
		for inner.Next() {
			switch inner.Type() {
			case addrAttrID:
				info.ID = inner.Uint8()
			case addrAttrFlags:
				info.Flags = AddrFlags(inner.Uint32())
			case addrAttrIfIndex:
				info.IfIndex = int32(inner.Uint32())
			default:
				addr.consume(inner)
			}
		}
	}

	ep, err := addr.build()
	if err != nil {
		return AddressInfo{}, err
	}
	info.Endpoint = ep
	return info, nil
}

// netlinkAddrBuilder accumulates the family/addr4/addr6/port
// attributes of a nested address container into an endpoint.Endpoint.
// Shared by both dialects' decoders.
type netlinkAddrBuilder struct {
	family uint16
	v4     [4]byte
	v6     [16]byte
	have6  bool
	have4  bool
	port   uint16
}

func (b *netlinkAddrBuilder) consume(ad *netlink.AttributeDecoder) {
	switch ad.Type() {
	case addrAttrFamily:
		b.family = ad.Uint16()
	case addrAttrAddr4:
		copy(b.v4[:], ad.Bytes())
		b.have4 = true
	case addrAttrAddr6:
		copy(b.v6[:], ad.Bytes())
		b.have6 = true
	case addrAttrPort:
		b.port = ad.Uint16()
	}
}

func (b *netlinkAddrBuilder) build() (endpoint.Endpoint, error) {
	if b.have6 || b.family == wireAFInet6 {
		return endpoint.New(addrFrom16(b.v6), b.port)
	}
	if b.have4 || b.family == wireAFInet {
		return endpoint.New(addrFrom4(b.v4), b.port)
	}
	return endpoint.Endpoint{}, fmt.Errorf("decode address: %w", endpoint.ErrInvalidFamily)
}

func wireFamily(fam endpoint.Family) uint16 {
	if fam == endpoint.FamilyV6 {
		return wireAFInet6
	}
	return wireAFInet
}
