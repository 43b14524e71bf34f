package pm

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// TestEncodeDecodeAddrRoundTrip reproduces scenario S3: an upstream
// add_addr payload, wrapped in the nested PM_ATTR_ADDR container, must
// decode back to the same endpoint, id, flags and ifindex.
func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	ep, err := endpoint.New(netip.MustParseAddr("192.0.2.10"), 4242)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload, err := encodeAddr(ep, 7, FlagSignal|FlagBackup, 3)
	if err != nil {
		t.Fatalf("encodeAddr: %v", err)
	}
	outer, err := netlink.MarshalAttributes([]netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: payload}})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}

	info, err := decodeAddressInfo(outer)
	if err != nil {
		t.Fatalf("decodeAddressInfo: %v", err)
	}
	if !info.Endpoint.Equal(ep) {
		t.Fatalf("endpoint mismatch: got %s want %s", info.Endpoint, ep)
	}
	if info.ID != 7 {
		t.Fatalf("id mismatch: got %d want 7", info.ID)
	}
	if info.Flags != FlagSignal|FlagBackup {
		t.Fatalf("flags mismatch: got %b want %b", info.Flags, FlagSignal|FlagBackup)
	}
	if info.IfIndex != 3 {
		t.Fatalf("ifindex mismatch: got %d want 3", info.IfIndex)
	}
}

// TestEncodeAddrOmitsZeroOptionalFields checks that id, flags, and
// ifindex attributes are entirely absent (not merely zero-valued) when
// passed as their zero sentinel, per spec.md §6.2.
func TestEncodeAddrOmitsZeroOptionalFields(t *testing.T) {
	ep, err := endpoint.New(netip.MustParseAddr("2001:db8::1"), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload, err := encodeAddr(ep, 0, 0, 0)
	if err != nil {
		t.Fatalf("encodeAddr: %v", err)
	}

	ad, err := netlink.NewAttributeDecoder(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	for ad.Next() {
		switch ad.Type() {
		case addrAttrID, addrAttrFlags, addrAttrIfIndex:
			t.Fatalf("zero-valued optional attribute %d present on wire", ad.Type())
		}
	}

	outer, err := netlink.MarshalAttributes([]netlink.Attribute{{Type: attrUpstreamAddr | nlaFNested, Data: payload}})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}
	info, err := decodeAddressInfo(outer)
	if err != nil {
		t.Fatalf("decodeAddressInfo: %v", err)
	}
	if info.ID != 0 || info.Flags != 0 || info.IfIndex != 0 {
		t.Fatalf("expected all-zero optional fields, got %+v", info)
	}
	if !info.Endpoint.Equal(ep) {
		t.Fatalf("endpoint mismatch: got %s want %s", info.Endpoint, ep)
	}
}

// TestFlatAddrAttrsRoundTrip exercises the mptcp.org flat encoding used
// by AddAddr/AddSubflow, decoded via decodeFlatAddressInfo.
func TestFlatAddrAttrsRoundTrip(t *testing.T) {
	ep, err := endpoint.New(netip.MustParseAddr("198.51.100.7"), 51820)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attrs, err := flatAddrAttrs(ep, attrOrgLocAddr4, attrOrgLocAddr6, attrOrgLocPort)
	if err != nil {
		t.Fatalf("flatAddrAttrs: %v", err)
	}

	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	info, err := decodeFlatAddressInfo(data)
	if err != nil {
		t.Fatalf("decodeFlatAddressInfo: %v", err)
	}
	if !info.Endpoint.Equal(ep) {
		t.Fatalf("endpoint mismatch: got %s want %s", info.Endpoint, ep)
	}
}

// TestMptcpOrgSetFlagsUnsupported reproduces scenario S6: the mptcp.org
// dialect has no set_flags equivalent and must report ErrUnsupported
// rather than silently succeeding or panicking.
func TestMptcpOrgSetFlagsUnsupported(t *testing.T) {
	d := &mptcpOrgDialect{}
	err := d.SetFlags(context.Background(), endpoint.Endpoint{}, FlagSignal)
	if err == nil {
		t.Fatal("expected ErrUnsupported, got nil")
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestTagString(t *testing.T) {
	cases := map[Tag]string{
		TagNone:     "none",
		TagUpstream: "upstream",
		TagMptcpOrg: "mptcp.org",
	}
	for tag, want := range cases {
		if got := tag.String(); got != want {
			t.Errorf("Tag(%d).String() = %q, want %q", tag, got, want)
		}
	}
}

// TestDetectTagUpstream reproduces the upstream-present branch of
// spec.md §6.1's dialect-resolution sequence.
func TestDetectTagUpstream(t *testing.T) {
	dir := t.TempDir()
	restoreProcPaths(t, dir)

	writeSysctl(t, procUpstreamEnabled, "1\n")

	tag, err := detectTag()
	if err != nil {
		t.Fatalf("detectTag: %v", err)
	}
	if tag != TagUpstream {
		t.Fatalf("tag = %v, want TagUpstream", tag)
	}
}

func TestDetectTagUpstreamDisabled(t *testing.T) {
	dir := t.TempDir()
	restoreProcPaths(t, dir)

	writeSysctl(t, procUpstreamEnabled, "0\n")

	_, err := detectTag()
	if err == nil {
		t.Fatal("expected error for disabled upstream mptcp")
	}
}

func TestDetectTagMptcpOrg(t *testing.T) {
	dir := t.TempDir()
	restoreProcPaths(t, dir)

	writeSysctl(t, procOrgEnabled, "1\n")

	tag, err := detectTag()
	if err != nil {
		t.Fatalf("detectTag: %v", err)
	}
	if tag != TagMptcpOrg {
		t.Fatalf("tag = %v, want TagMptcpOrg", tag)
	}
}

func TestDetectTagNone(t *testing.T) {
	restoreProcPaths(t, t.TempDir())

	_, err := detectTag()
	if err == nil {
		t.Fatal("expected ErrNoMPTCP when no sysctl exists")
	}
}

func TestPathManagerModeAbsent(t *testing.T) {
	dir := t.TempDir()
	restoreProcPaths(t, dir)

	mode, err := PathManagerMode()
	if err != nil {
		t.Fatalf("PathManagerMode: %v", err)
	}
	if mode != "" {
		t.Fatalf("mode = %q, want empty", mode)
	}
}

// TestDecodeUpstreamEventRoundTrip reproduces a connection_established
// notification: token plus nested local/remote PM_ATTR_ADDR containers
// (spec.md §4.8, §6.1).
func TestDecodeUpstreamEventRoundTrip(t *testing.T) {
	local, err := endpoint.New(netip.MustParseAddr("192.0.2.10"), 4242)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	remote, err := endpoint.New(netip.MustParseAddr("203.0.113.5"), 51820)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	localPayload, err := encodeAddr(local, 0, 0, 0)
	if err != nil {
		t.Fatalf("encodeAddr local: %v", err)
	}
	remotePayload, err := encodeAddr(remote, 0, 0, 0)
	if err != nil {
		t.Fatalf("encodeAddr remote: %v", err)
	}

	data, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: attrUpstreamToken, Data: nlenc.Uint32Bytes(99)},
		{Type: attrUpstreamAddr | nlaFNested, Data: localPayload},
		{Type: attrUpstreamAddrRemote | nlaFNested, Data: remotePayload},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ev, ok := decodeUpstreamEvent(genetlink.Message{
		Header: genetlink.Header{Command: cmdUpstreamEvConnectionEstablished},
		Data:   data,
	})
	if !ok {
		t.Fatal("decodeUpstreamEvent returned ok=false")
	}
	if ev.Kind != EventConnectionEstablished {
		t.Errorf("Kind = %v, want EventConnectionEstablished", ev.Kind)
	}
	if ev.Token != 99 {
		t.Errorf("Token = %d, want 99", ev.Token)
	}
	if !ev.Local.Equal(local) {
		t.Errorf("Local = %s, want %s", ev.Local, local)
	}
	if !ev.Remote.Equal(remote) {
		t.Errorf("Remote = %s, want %s", ev.Remote, remote)
	}
}

// TestDecodeUpstreamEventUnknownCommandIgnored ensures a multicast
// message that doesn't map to a known event kind is reported, not
// decoded into a zero-value Event mistaken for new_connection.
func TestDecodeUpstreamEventUnknownCommandIgnored(t *testing.T) {
	_, ok := decodeUpstreamEvent(genetlink.Message{Header: genetlink.Header{Command: 200}})
	if ok {
		t.Fatal("decodeUpstreamEvent returned ok=true for an unrecognized command")
	}
}

// TestDecodeOrgEventRoundTrip reproduces a subflow-established
// notification on the flat mptcp.org attribute layout.
func TestDecodeOrgEventRoundTrip(t *testing.T) {
	data, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: attrOrgToken, Data: nlenc.Uint32Bytes(7)},
		{Type: attrOrgLocID, Data: nlenc.Uint8Bytes(1)},
		{Type: attrOrgRemID, Data: nlenc.Uint8Bytes(2)},
		{Type: attrOrgBackup, Data: nlenc.Uint8Bytes(1)},
		{Type: attrOrgLocAddr4, Data: netip.MustParseAddr("192.0.2.10").AsSlice()},
		{Type: attrOrgLocPort, Data: nlenc.Uint16Bytes(4242)},
		{Type: attrOrgRemAddr4, Data: netip.MustParseAddr("198.51.100.1").AsSlice()},
		{Type: attrOrgRemPort, Data: nlenc.Uint16Bytes(51820)},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ev, ok := decodeOrgEvent(genetlink.Message{
		Header: genetlink.Header{Command: cmdOrgEvSubflowEstablished},
		Data:   data,
	})
	if !ok {
		t.Fatal("decodeOrgEvent returned ok=false")
	}
	if ev.Kind != EventNewSubflow {
		t.Errorf("Kind = %v, want EventNewSubflow", ev.Kind)
	}
	if ev.Token != 7 || ev.LocalID != 1 || ev.RemoteID != 2 || !ev.Backup {
		t.Errorf("subflow fields = %+v, want token=7 localID=1 remoteID=2 backup=true", ev)
	}
	wantLocal, _ := endpoint.New(netip.MustParseAddr("192.0.2.10"), 4242)
	wantRemote, _ := endpoint.New(netip.MustParseAddr("198.51.100.1"), 51820)
	if !ev.Local.Equal(wantLocal) {
		t.Errorf("Local = %s, want %s", ev.Local, wantLocal)
	}
	if !ev.Remote.Equal(wantRemote) {
		t.Errorf("Remote = %s, want %s", ev.Remote, wantRemote)
	}
}

func restoreProcPaths(t *testing.T, dir string) {
	t.Helper()
	origUpstream, origOrg, origPM := procUpstreamEnabled, procOrgEnabled, procOrgPathManager
	procUpstreamEnabled = filepath.Join(dir, "enabled")
	procOrgEnabled = filepath.Join(dir, "mptcp_enabled")
	procOrgPathManager = filepath.Join(dir, "mptcp_path_manager")
	t.Cleanup(func() {
		procUpstreamEnabled, procOrgEnabled, procOrgPathManager = origUpstream, origOrg, origPM
	})
}

func writeSysctl(t *testing.T, path, value string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
