package pm

import (
	"context"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// upstreamDialect implements Dialect for the mainline Linux MPTCP genl
// family "mptcp". Address attributes are wrapped inside a nested
// PM_ATTR_ADDR container (spec.md §6.2); optional fields (id, flags,
// ifindex) omit their attribute entirely when zero.
type upstreamDialect struct {
	c *conn
}

func dialUpstream() (*upstreamDialect, error) {
	c, err := dial(upstreamFamilyName)
	if err != nil {
		return nil, err
	}
	return &upstreamDialect{c: c}, nil
}

func (d *upstreamDialect) Tag() Tag   { return TagUpstream }
func (d *upstreamDialect) Ready() bool { return d.c != nil }

func (d *upstreamDialect) AddAddr(ctx context.Context, ep endpoint.Endpoint, id uint8, flags AddrFlags, ifIndex int32, token uint32) error {
	addrPayload, err := encodeAddr(ep, id, flags, ifIndex)
	if err != nil {
		return fmt.Errorf("add_addr: %w", err)
	}

	attrs := []netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: addrPayload}}
	if token != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamToken, Data: nlenc.Uint32Bytes(token)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("add_addr: %w", ErrSend)
	}

	_, err = d.c.execute(cmdUpstreamAddAddr, netlink.Request|netlink.Acknowledge, data)
	if err != nil {
		return fmt.Errorf("add_addr: %w", err)
	}
	return nil
}

func (d *upstreamDialect) RemoveAddr(ctx context.Context, id uint8, token uint32) error {
	inner := []netlink.Attribute{{Type: addrAttrID, Data: nlenc.Uint8Bytes(id)}}
	innerData, err := netlink.MarshalAttributes(inner)
	if err != nil {
		return fmt.Errorf("remove_addr: %w", ErrSend)
	}

	attrs := []netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: innerData}}
	if token != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamToken, Data: nlenc.Uint32Bytes(token)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("remove_addr: %w", ErrSend)
	}

	if _, err := d.c.execute(cmdUpstreamDelAddr, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("remove_addr: %w", err)
	}
	return nil
}

func (d *upstreamDialect) GetAddr(ctx context.Context, id uint8, cb func(AddressInfo)) error {
	inner := []netlink.Attribute{{Type: addrAttrID, Data: nlenc.Uint8Bytes(id)}}
	innerData, err := netlink.MarshalAttributes(inner)
	if err != nil {
		return fmt.Errorf("get_addr: %w", ErrSend)
	}
	data, err := netlink.MarshalAttributes([]netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: innerData}})
	if err != nil {
		return fmt.Errorf("get_addr: %w", ErrSend)
	}

	msgs, err := d.c.execute(cmdUpstreamGetAddr, netlink.Request|netlink.Acknowledge, data)
	if err != nil {
		return fmt.Errorf("get_addr: %w", err)
	}
	for _, m := range msgs {
		info, decodeErr := decodeAddressInfo(m.Data)
		if decodeErr != nil {
			continue
		}
		cb(info)
		return nil
	}
	return nil
}

func (d *upstreamDialect) DumpAddrs(ctx context.Context, cb func(AddressInfo)) error {
	msgs, err := d.c.execute(cmdUpstreamGetAddr, netlink.Request|netlink.Dump, nil)
	if err != nil {
		return fmt.Errorf("dump_addrs: %w", err)
	}
	for _, m := range msgs {
		info, decodeErr := decodeAddressInfo(m.Data)
		if decodeErr != nil {
			continue
		}
		cb(info)
	}
	return nil
}

func (d *upstreamDialect) FlushAddrs(ctx context.Context) error {
	if _, err := d.c.execute(cmdUpstreamFlushAddrs, netlink.Request|netlink.Acknowledge, nil); err != nil {
		return fmt.Errorf("flush_addrs: %w", err)
	}
	return nil
}

func (d *upstreamDialect) SetLimits(ctx context.Context, limits []Limit) error {
	if len(limits) == 0 {
		return fmt.Errorf("set_limits: %w", ErrEmptyLimits)
	}

	attrs := make([]netlink.Attribute, 0, len(limits))
	for _, l := range limits {
		attrs = append(attrs, netlink.Attribute{Type: upstreamLimitAttr(l.Type), Data: nlenc.Uint32Bytes(l.Value)})
	}
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("set_limits: %w", ErrSend)
	}

	if _, err := d.c.execute(cmdUpstreamSetLimits, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("set_limits: %w", err)
	}
	return nil
}

func (d *upstreamDialect) GetLimits(ctx context.Context, cb func([]Limit)) error {
	msgs, err := d.c.execute(cmdUpstreamGetLimits, netlink.Request|netlink.Acknowledge, nil)
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
		case attrUpstreamRcvAddAddrs:
			limits = append(limits, Limit{Type: LimitRcvAddAddrs, Value: ad.Uint32()})
		case attrUpstreamSubflows:
			limits = append(limits, Limit{Type: LimitSubflows, Value: ad.Uint32()})
		}
	}
	cb(limits)
	return nil
}

func (d *upstreamDialect) AddSubflow(ctx context.Context, token uint32, localID, remoteID uint8, localEP, remoteEP endpoint.Endpoint, backup bool) error {
	if remoteEP.Port == 0 {
		return fmt.Errorf("add_subflow: %w", ErrInvalidSubflow)
	}

	attrs := []netlink.Attribute{{Type: attrUpstreamToken, Data: nlenc.Uint32Bytes(token)}}
	if localID != 0 {
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamLocID, Data: nlenc.Uint8Bytes(localID)})
	}
	attrs = append(attrs, netlink.Attribute{Type: attrUpstreamRemID, Data: nlenc.Uint8Bytes(remoteID)})

	if localEP.Addr.IsValid() {
		payload, err := encodeAddr(localEP, 0, 0, 0)
		if err != nil {
			return fmt.Errorf("add_subflow: local endpoint: %w", err)
		}
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamAddr | nlaFNested, Data: payload})
	}

	remotePayload, err := encodeAddr(remoteEP, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("add_subflow: remote endpoint: %w", err)
	}
	attrs = append(attrs, netlink.Attribute{Type: attrUpstreamAddrRemote | nlaFNested, Data: remotePayload})

	if backup {
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamBackup, Data: nlenc.Uint8Bytes(1)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return fmt.Errorf("add_subflow: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdUpstreamSubflowAdd, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("add_subflow: %w", err)
	}
	return nil
}

func (d *upstreamDialect) RemoveSubflow(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint) error {
	data, err := encodeSubflowPair(token, localEP, remoteEP, false, false)
	if err != nil {
		return fmt.Errorf("remove_subflow: %w", err)
	}
	if _, err := d.c.execute(cmdUpstreamSubflowDel, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("remove_subflow: %w", err)
	}
	return nil
}

func (d *upstreamDialect) SetBackup(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint, backup bool) error {
	data, err := encodeSubflowPair(token, localEP, remoteEP, true, backup)
	if err != nil {
		return fmt.Errorf("set_backup: %w", err)
	}
	if _, err := d.c.execute(cmdUpstreamSetBackup, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("set_backup: %w", err)
	}
	return nil
}

func (d *upstreamDialect) SetFlags(ctx context.Context, ep endpoint.Endpoint, flags AddrFlags) error {
	payload, err := encodeAddr(ep, 0, flags, 0)
	if err != nil {
		return fmt.Errorf("set_flags: %w", err)
	}
	data, err := netlink.MarshalAttributes([]netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: payload}})
	if err != nil {
		return fmt.Errorf("set_flags: %w", ErrSend)
	}
	if _, err := d.c.execute(cmdUpstreamSetFlags, netlink.Request|netlink.Acknowledge, data); err != nil {
		return fmt.Errorf("set_flags: %w", err)
	}
	return nil
}

// Events joins the "mptcp" family's event multicast groups and decodes
// connection-lifecycle notifications off them (spec.md §4.8).
func (d *upstreamDialect) Events(ctx context.Context) (<-chan Event, error) {
	return startEventLoop(ctx, upstreamFamilyName, decodeUpstreamEvent)
}

func (d *upstreamDialect) Close() error {
	return d.c.close()
}

// upstreamEventKind maps a multicast notification's genl command to
// the API-boundary EventKind enum.
func upstreamEventKind(cmd uint8) (EventKind, bool) {
	switch cmd {
	case cmdUpstreamEvNewConnection:
		return EventNewConnection, true
	case cmdUpstreamEvConnectionEstablished:
		return EventConnectionEstablished, true
	case cmdUpstreamEvConnectionClosed:
		return EventConnectionClosed, true
	case cmdUpstreamEvAddrAnnounced:
		return EventNewAddr, true
	case cmdUpstreamEvAddrRemoved:
		return EventAddrRemoved, true
	case cmdUpstreamEvSubflowEstablished:
		return EventNewSubflow, true
	case cmdUpstreamEvSubflowClosed:
		return EventSubflowClosed, true
	case cmdUpstreamEvSubflowPriority:
		return EventSubflowPriority, true
	default:
		return 0, false
	}
}

// decodeUpstreamEvent parses one multicast notification: token plus the
// nested local (attrUpstreamAddr) and remote (attrUpstreamAddrRemote)
// address containers, reusing the same netlinkAddrBuilder the
// request/reply decoders in wire.go use.
func decodeUpstreamEvent(m genetlink.Message) (Event, bool) {
	kind, ok := upstreamEventKind(m.Header.Command)
	if !ok {
		return Event{}, false
	}

	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return Event{}, false
	}

	ev := Event{Kind: kind}
	var local, remote netlinkAddrBuilder
	haveLocal, haveRemote := false, false

	for ad.Next() {
		switch ad.Type() &^ nlaFNested {
		case attrUpstreamToken:
			ev.Token = ad.Uint32()
		case attrUpstreamLocID:
			ev.LocalID = ad.Uint8()
			ev.Addr.ID = ev.LocalID
		case attrUpstreamRemID:
			ev.RemoteID = ad.Uint8()
		case attrUpstreamBackup:
			ev.Backup = ad.Uint8() != 0
		case attrUpstreamAddr:
			haveLocal = true
			if inner, innerErr := netlink.NewAttributeDecoder(ad.Bytes()); innerErr == nil {
				for inner.Next() {
					switch inner.Type() {
					case addrAttrFlags:
						ev.Addr.Flags = AddrFlags(inner.Uint32())
					case addrAttrIfIndex:
						ev.Addr.IfIndex = int32(inner.Uint32())
					default:
						local.consume(inner)
					}
				}
			}
		case attrUpstreamAddrRemote:
			haveRemote = true
			if inner, innerErr := netlink.NewAttributeDecoder(ad.Bytes()); innerErr == nil {
				for inner.Next() {
					remote.consume(inner)
				}
			}
		}
	}

	if haveLocal {
		if ep, buildErr := local.build(); buildErr == nil {
			ev.Local = ep
			ev.Addr.Endpoint = ep
		}
	}
	if haveRemote {
		if ep, buildErr := remote.build(); buildErr == nil {
			ev.Remote = ep
		}
	}
	return ev, true
}

func upstreamLimitAttr(t LimitType) uint16 {
	if t == LimitSubflows {
		return attrUpstreamSubflows
	}
	return attrUpstreamRcvAddAddrs
}

func encodeSubflowPair(token uint32, localEP, remoteEP endpoint.Endpoint, withBackup bool, backup bool) ([]byte, error) {
	attrs := []netlink.Attribute{{Type: attrUpstreamToken, Data: nlenc.Uint32Bytes(token)}}

	localPayload, err := encodeAddr(localEP, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}
	attrs = append(attrs, netlink.Attribute{Type: attrUpstreamAddr | nlaFNested, Data: localPayload})

	remotePayload, err := encodeAddr(remoteEP, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("remote endpoint: %w", err)
	}
	attrs = append(attrs, netlink.Attribute{Type: attrUpstreamAddrRemote | nlaFNested, Data: remotePayload})

	if withBackup {
		v := uint8(0)
		if backup {
			v = 1
		}
		attrs = append(attrs, netlink.Attribute{Type: attrUpstreamBackup, Data: nlenc.Uint8Bytes(v)})
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, ErrSend
	}
	return data, nil
}
