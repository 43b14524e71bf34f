package pm

import (
	"context"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// mptcpOrgDialect implements Dialect for the multipath-tcp.org
// out-of-tree fork, genl family "mptcp_pm". Unlike upstream, address
// attributes are flat, keyed by token/family/source/dest address and
// port rather than wrapped in a nested container (spec.md §6.2).
type mptcpOrgDialect struct {
	c *conn
}

func dialMptcpOrg() (*mptcpOrgDialect, error) {
	c, err := dial(mptcpOrgFamilyName)
	if err != nil {
		return nil, err
	}
	return &mptcpOrgDialect{c: c}, nil
}

func (d *mptcpOrgDialect) Tag() Tag    { return TagMptcpOrg }
func (d *mptcpOrgDialect) Ready() bool { return d.c != nil }

// AddAddr on mptcp.org keeps the shared Dialect signature: it sends
// the address, the token and id when non-zero, and ifIndex when
// non-zero; flags have no attribute on this dialect and are ignored.
// The stray-semicolon 5-parameter prototype noted in spec.md §9 is
// resolved by leaving its ignored "nolst" parameter out of the
// signature altogether.
func (d *mptcpOrgDialect) AddAddr(ctx context.Context, ep endpoint.Endpoint, id uint8, _ AddrFlags, ifIndex int32, token uint32) error {
	attrs, err := flatAddrAttrs(ep, attrOrgLocAddr4, attrOrgLocAddr6, attrOrgLocPort)
	if err != nil {
		return fmt.Errorf("add_addr: %w", err)
	}
	if token != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgToken, Data: nlenc.Uint32Bytes(token)})
	}
	if id != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgLocID, Data: nlenc.Uint8Bytes(id)})
	}
	if ifIndex != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgIfIndex, Data: nlenc.Uint32Bytes(uint32(ifIndex))})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("add_addr: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdOrgAnnounce, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("add_addr: %w", err)
	}
	return nil
}

func (d *mptcpOrgDialect) RemoveAddr(ctx context.Context, id uint8, token uint32) error {
	attrs := []netlink.Attribute{{Type: attrOrgLocID, Data: nlenc.Uint8Bytes(id)}}
	if token != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgToken, Data: nlenc.Uint32Bytes(token)})
	}
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("remove_addr: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdOrgRemove, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("remove_addr: %w", err)
	}
	return nil
}

func (d *mptcpOrgDialect) GetAddr(ctx context.Context, id uint8, cb func(AddressInfo)) error {
	data, err := netlink.MarshalAttributes([]netlink.Attribute{{Type: attrOrgLocID, Data: nlenc.Uint8Bytes(id)}})
	if err != nil {
		return fmt.Errorf("get_addr: %w", ErrSend)
	}
	msgs, err := d.c.execute(cmdOrgGetAddr, netlink.Request|netlink.Acknowledge, data)
	if err != nil {
		return fmt.Errorf("get_addr: %w", err)
	}
	for _, m := range msgs {
		info, decErr := decodeFlatAddressInfo(m.Data)
		if decErr != nil {
			continue
		}
		cb(info)
		return nil
	}
	return nil
}

func (d *mptcpOrgDialect) DumpAddrs(ctx context.Context, cb func(AddressInfo)) error {
	msgs, err := d.c.execute(cmdOrgDumpAddrs, netlink.Request|netlink.Dump, nil)
	if err != nil {
		return fmt.Errorf("dump_addrs: %w", err)
	}
	for _, m := range msgs {
		info, decErr := decodeFlatAddressInfo(m.Data)
		if decErr != nil {
			continue
		}
		cb(info)
	}
	return nil
}

func (d *mptcpOrgDialect) FlushAddrs(ctx context.Context) error {
	if _, err := d.c.execute(cmdOrgFlushAddrs, netlink.Request|netlink.Acknowledge, nil); err != nil {
		return fmt.Errorf("flush_addrs: %w", err)
	}
	return nil
}

func (d *mptcpOrgDialect) SetLimits(ctx context.Context, limits []Limit) error {
	if len(limits) == 0 {
		return fmt.Errorf("set_limits: %w", ErrEmptyLimits)
	}
	attrs := make([]netlink.Attribute, 0, len(limits))
	for _, l := range limits {
		attrs = append(attrs, netlink.Attribute{Type: mptcpOrgLimitAttr(l.Type), Data: nlenc.Uint32Bytes(l.Value)})
	}
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("set_limits: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdOrgSetLimits, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("set_limits: %w", err)
	}
	return nil
}

// GetLimits issues the limits dump command. The original C source has
// a code path for this operation that issues GET_ADDR instead of
// GET_LIMITS (spec.md §9, recorded as a bug in DESIGN.md); this
// implementation uses the correct command.
func (d *mptcpOrgDialect) GetLimits(ctx context.Context, cb func([]Limit)) error {
	msgs, err := d.c.execute(cmdOrgGetLimits, netlink.Request|netlink.Acknowledge, nil)
	if err != nil {
		return fmt.Errorf("get_limits: %w", err)
	}
	if len(msgs) == 0 {
		cb(nil)
		return nil
	}

	ad, err := netlink.NewAttributeDecoder(msgs[0].Data)
	if err != nil {
		return fmt.Errorf("get_limits: decode: %w", err)
	}

	var limits []Limit
	for ad.Next() {
		switch ad.Type() {
		case attrOrgRcvAddAddrs:
			limits = append(limits, Limit{Type: LimitRcvAddAddrs, Value: ad.Uint32()})
		case attrOrgSubflows:
			limits = append(limits, Limit{Type: LimitSubflows, Value: ad.Uint32()})
		}
	}
	cb(limits)
	return nil
}

func (d *mptcpOrgDialect) AddSubflow(ctx context.Context, token uint32, localID, remoteID uint8, localEP, remoteEP endpoint.Endpoint, backup bool) error {
	if remoteEP.Port == 0 {
		return fmt.Errorf("add_subflow: %w", ErrInvalidSubflow)
	}

	attrs := []netlink.Attribute{{Type: attrOrgToken, Data: nlenc.Uint32Bytes(token)}}
	if localID != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgLocID, Data: nlenc.Uint8Bytes(localID)})
	}
	attrs = append(attrs, netlink.Attribute{Type: attrOrgRemID, Data: nlenc.Uint8Bytes(remoteID)})

	if localEP.Addr.IsValid() {
		localAttrs, err := flatAddrAttrs(localEP, attrOrgLocAddr4, attrOrgLocAddr6, attrOrgLocPort)
		if err != nil {
			return fmt.Errorf("add_subflow: local endpoint: %w", err)
		}
		attrs = append(attrs, localAttrs...)
	}

	remoteAttrs, err := flatAddrAttrs(remoteEP, attrOrgRemAddr4, attrOrgRemAddr6, attrOrgRemPort)
	if err != nil {
		return fmt.Errorf("add_subflow: remote endpoint: %w", err)
	}
	attrs = append(attrs, remoteAttrs...)

	if backup {
		attrs = append(attrs, netlink.Attribute{Type: attrOrgBackup, Data: nlenc.Uint8Bytes(1)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("add_subflow: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdOrgSubCreate, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("add_subflow: %w", err)
	}
	return nil
}

func (d *mptcpOrgDialect) RemoveSubflow(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint) error {
	data, err := encodeFlatSubflowPair(token, localEP, remoteEP, false, false)
	if err != nil {
		return fmt.Errorf("remove_subflow: %w", err)
	}
	if _, err := d.c.execute(cmdOrgSubDestroy, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("remove_subflow: %w", err)
	}
	return nil
}

func (d *mptcpOrgDialect) SetBackup(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint, backup bool) error {
	data, err := encodeFlatSubflowPair(token, localEP, remoteEP, true, backup)
	if err != nil {
		return fmt.Errorf("set_backup: %w", err)
	}
	if _, err := d.c.execute(cmdOrgSubPriority, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("set_backup: %w", err)
	}
	return nil
}

// SetFlags is upstream-only (spec.md §4.6 vtable table).
func (d *mptcpOrgDialect) SetFlags(ctx context.Context, _ endpoint.Endpoint, _ AddrFlags) error {
	return fmt.Errorf("set_flags: %w", ErrUnsupported)
}

// Events joins the "mptcp_pm" family's event multicast groups and
// decodes connection-lifecycle notifications off them (spec.md §4.8).
func (d *mptcpOrgDialect) Events(ctx context.Context) (<-chan Event, error) {
	return startEventLoop(ctx, mptcpOrgFamilyName, decodeOrgEvent)
}

func (d *mptcpOrgDialect) Close() error {
	return d.c.close()
}

// orgEventKind maps a multicast notification's genl command to the
// API-boundary EventKind enum, numbered the same as upstream's.
func orgEventKind(cmd uint8) (EventKind, bool) {
	switch cmd {
	case cmdOrgEvNewConnection:
		return EventNewConnection, true
	case cmdOrgEvConnectionEstablished:
		return EventConnectionEstablished, true
	case cmdOrgEvConnectionClosed:
		return EventConnectionClosed, true
	case cmdOrgEvAddrAnnounced:
		return EventNewAddr, true
	case cmdOrgEvAddrRemoved:
		return EventAddrRemoved, true
	case cmdOrgEvSubflowEstablished:
		return EventNewSubflow, true
	case cmdOrgEvSubflowClosed:
		return EventSubflowClosed, true
	case cmdOrgEvSubflowPriority:
		return EventSubflowPriority, true
	default:
		return 0, false
	}
}

// decodeOrgEvent parses one multicast notification's flat local/remote
// address attributes (spec.md §6.2: no nested container on this
// dialect), reusing the same netlinkAddrBuilder wire.go's decoders use.
func decodeOrgEvent(m genetlink.Message) (Event, bool) {
	kind, ok := orgEventKind(m.Header.Command)
	if !ok {
		return Event{}, false
	}

	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return Event{}, false
	}

	ev := Event{Kind: kind}
	var local, remote netlinkAddrBuilder

	for ad.Next() {
		switch ad.Type() {
		case attrOrgToken:
			ev.Token = ad.Uint32()
		case attrOrgLocID:
			ev.LocalID = ad.Uint8()
			ev.Addr.ID = ev.LocalID
		case attrOrgRemID:
			ev.RemoteID = ad.Uint8()
		case attrOrgBackup:
			ev.Backup = ad.Uint8() != 0
		case attrOrgFlags:
			ev.Addr.Flags = AddrFlags(ad.Uint32())
		case attrOrgIfIndex:
			ev.Addr.IfIndex = int32(ad.Uint32())
		case attrOrgFamily:
			local.family = ad.Uint16()
			remote.family = ad.Uint16()
		case attrOrgLocAddr4:
			local.v4 = [4]byte(ad.Bytes()[:4])
			local.have4 = true
		case attrOrgLocAddr6:
			local.v6 = [16]byte(ad.Bytes()[:16])
			local.have6 = true
		case attrOrgLocPort:
			local.port = ad.Uint16()
		case attrOrgRemAddr4:
			remote.v4 = [4]byte(ad.Bytes()[:4])
			remote.have4 = true
		case attrOrgRemAddr6:
			remote.v6 = [16]byte(ad.Bytes()[:16])
			remote.have6 = true
		case attrOrgRemPort:
			remote.port = ad.Uint16()
		}
	}

	if ep, buildErr := local.build(); buildErr == nil {
		ev.Local = ep
		ev.Addr.Endpoint = ep
	}
	if ep, buildErr := remote.build(); buildErr == nil {
		ev.Remote = ep
	}
	return ev, true
}

func mptcpOrgLimitAttr(t LimitType) uint16 {
	if t == LimitSubflows {
		return attrOrgSubflows
	}
	return attrOrgRcvAddAddrs
}

func flatAddrAttrs(ep endpoint.Endpoint, v4Type, v6Type, portType uint16) ([]netlink.Attribute, error) {
	fam, err := ep.Family()
	if err != nil {
		return nil, err
	}
	attrs := []netlink.Attribute{{Type: attrOrgFamily, Data: nlenc.Uint16Bytes(wireFamily(fam))}}
	if fam == endpoint.FamilyV4 {
		attrs = append(attrs, netlink.Attribute{Type: v4Type, Data: ep.Bytes()})
	} else {
		attrs = append(attrs, netlink.Attribute{Type: v6Type, Data: ep.Bytes()})
	}
	if ep.Port != 0 {
		attrs = append(attrs, netlink.Attribute{Type: portType, Data: nlenc.Uint16Bytes(ep.Port)})
	}
	return attrs, nil
}

func encodeFlatSubflowPair(token uint32, localEP, remoteEP endpoint.Endpoint, withBackup, backup bool) ([]byte, error) {
	attrs := []netlink.Attribute{{Type: attrOrgToken, Data: nlenc.Uint32Bytes(token)}}

	localAttrs, err := flatAddrAttrs(localEP, attrOrgLocAddr4, attrOrgLocAddr6, attrOrgLocPort)
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}
	attrs = append(attrs, localAttrs...)

	remoteAttrs, err := flatAddrAttrs(remoteEP, attrOrgRemAddr4, attrOrgRemAddr6, attrOrgRemPort)
	if err != nil {
		return nil, fmt.Errorf("remote endpoint: %w", err)
	}
	attrs = append(attrs, remoteAttrs...)

	if withBackup {
		v := uint8(0)
		if backup {
			v = 1
		}
		attrs = append(attrs, netlink.Attribute{Type: attrOrgBackup, Data: nlenc.Uint8Bytes(v)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, ErrSend
	}
	return data, nil
}

func decodeFlatAddressInfo(data []byte) (AddressInfo, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("decode flat address info: %w", err)
	}

	var (
		info   AddressInfo
		addr   netlinkAddrBuilder
	)

	for ad.Next() {
		switch ad.Type() {
		case attrOrgFamily:
			addr.family = ad.Uint16()
		case attrOrgLocAddr4:
			addr.v4 = [4]byte(ad.Bytes()[:4])
			addr.have4 = true
		case attrOrgLocAddr6:
			addr.v6 = [16]byte(ad.Bytes()[:16])
			addr.have6 = true
		case attrOrgLocPort:
			addr.port = ad.Uint16()
		case attrOrgLocID:
			info.ID = ad.Uint8()
		case attrOrgFlags:
			info.Flags = AddrFlags(ad.Uint32())
		case attrOrgIfIndex:
			info.IfIndex = int32(ad.Uint32())
		}
	}

	ep, err := addr.build()
	if err != nil {
		return AddressInfo{}, err
	}
	info.Endpoint = ep
	return info, nil
}
