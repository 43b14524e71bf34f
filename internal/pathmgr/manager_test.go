package pathmgr

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/mptcp-tools/mptcpd/internal/config"
	"github.com/mptcp-tools/mptcpd/internal/dispatch"
	"github.com/mptcp-tools/mptcpd/internal/endpoint"
	"github.com/mptcp-tools/mptcpd/internal/pm"
)

// fakeDialect records every call made through it so Supervisor-method
// tests can assert on delegation without touching a real kernel.
type fakeDialect struct {
	tag pm.Tag

	addAddrCalls    []endpoint.Endpoint
	addAddrIDs      []uint8
	removeAddrCalls []uint8
	addSubflowCalls int
	removeSubflow   int
	setBackupCalls  int
	closed          bool

	addAddrErr       error
	removeAddrErr    error
	addSubflowErr    error
	removeSubflowErr error
	setBackupErr     error
}

func (f *fakeDialect) Tag() pm.Tag  { return f.tag }
func (f *fakeDialect) Ready() bool  { return true }

func (f *fakeDialect) AddAddr(ctx context.Context, ep endpoint.Endpoint, id uint8, flags pm.AddrFlags, ifIndex int32, token uint32) error {
	f.addAddrCalls = append(f.addAddrCalls, ep)
	f.addAddrIDs = append(f.addAddrIDs, id)
	return f.addAddrErr
}

func (f *fakeDialect) RemoveAddr(ctx context.Context, id uint8, token uint32) error {
	f.removeAddrCalls = append(f.removeAddrCalls, id)
	return f.removeAddrErr
}

func (f *fakeDialect) GetAddr(ctx context.Context, id uint8, cb func(pm.AddressInfo)) error {
	return nil
}

func (f *fakeDialect) DumpAddrs(ctx context.Context, cb func(pm.AddressInfo)) error { return nil }
func (f *fakeDialect) FlushAddrs(ctx context.Context) error                        { return nil }
func (f *fakeDialect) SetLimits(ctx context.Context, limits []pm.Limit) error       { return nil }
func (f *fakeDialect) GetLimits(ctx context.Context, cb func([]pm.Limit)) error     { return nil }

func (f *fakeDialect) AddSubflow(ctx context.Context, token uint32, localID, remoteID uint8, local, remote endpoint.Endpoint, backup bool) error {
	f.addSubflowCalls++
	return f.addSubflowErr
}

func (f *fakeDialect) RemoveSubflow(ctx context.Context, token uint32, local, remote endpoint.Endpoint) error {
	f.removeSubflow++
	return f.removeSubflowErr
}

func (f *fakeDialect) SetBackup(ctx context.Context, token uint32, local, remote endpoint.Endpoint, backup bool) error {
	f.setBackupCalls++
	return f.setBackupErr
}

func (f *fakeDialect) SetFlags(ctx context.Context, ep endpoint.Endpoint, flags pm.AddrFlags) error {
	return pm.ErrUnsupported
}

func (f *fakeDialect) Events(ctx context.Context) (<-chan pm.Event, error) {
	ch := make(chan pm.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeDialect) Close() error {
	f.closed = true
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Plugins.Dir = "/etc/mptcpd/plugins"
	cfg.Plugins.Default = "primary"
	cfg.Plugins.Load = []string{"primary", "secondary"}
	return cfg
}

func testEndpoint(t *testing.T) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(netip.MustParseAddr("192.0.2.10"), 4242)
	if err != nil {
		t.Fatalf("endpoint.New: %v", err)
	}
	return ep
}

func TestSupervisorMethodsFailBeforeDialectResolves(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	ep := testEndpoint(t)

	if err := m.AddAddr(ep, 0, pm.FlagSignal, 0, 0); !errors.Is(err, pm.ErrNotReady) {
		t.Errorf("AddAddr error = %v, want ErrNotReady", err)
	}
	if err := m.RemoveAddr(1, 0); !errors.Is(err, pm.ErrNotReady) {
		t.Errorf("RemoveAddr error = %v, want ErrNotReady", err)
	}
	if err := m.AddSubflow(1, 0, 0, ep, ep, false); !errors.Is(err, pm.ErrNotReady) {
		t.Errorf("AddSubflow error = %v, want ErrNotReady", err)
	}
	if err := m.RemoveSubflow(1, ep, ep); !errors.Is(err, pm.ErrNotReady) {
		t.Errorf("RemoveSubflow error = %v, want ErrNotReady", err)
	}
	if err := m.SetBackup(1, ep, ep, true); !errors.Is(err, pm.ErrNotReady) {
		t.Errorf("SetBackup error = %v, want ErrNotReady", err)
	}
	if got := m.Dialect(); got != pm.TagNone {
		t.Errorf("Dialect() = %v, want TagNone", got)
	}
}

func TestAddAddrAllocatesIDWhenZero(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	fd := &fakeDialect{tag: pm.TagUpstream}
	m.dialect = fd

	ep := testEndpoint(t)
	if err := m.AddAddr(ep, 0, pm.FlagSignal, 2, 7); err != nil {
		t.Fatalf("AddAddr: %v", err)
	}

	if len(fd.addAddrIDs) != 1 || fd.addAddrIDs[0] == 0 {
		t.Fatalf("dialect received id %v, want a single non-zero allocation", fd.addAddrIDs)
	}

	// A second call for the same endpoint must reuse the ID the idmgr
	// already allocated (idempotence, spec.md invariant 1), not mint a
	// second one.
	if err := m.AddAddr(ep, 0, pm.FlagSignal, 2, 7); err != nil {
		t.Fatalf("AddAddr (second): %v", err)
	}
	if fd.addAddrIDs[0] != fd.addAddrIDs[1] {
		t.Errorf("second AddAddr got id %d, want reused id %d", fd.addAddrIDs[1], fd.addAddrIDs[0])
	}
}

func TestAddAddrHonorsExplicitID(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	fd := &fakeDialect{tag: pm.TagUpstream}
	m.dialect = fd

	ep := testEndpoint(t)
	if err := m.AddAddr(ep, 42, pm.FlagSubflow, 0, 0); err != nil {
		t.Fatalf("AddAddr: %v", err)
	}
	if len(fd.addAddrIDs) != 1 || fd.addAddrIDs[0] != 42 {
		t.Fatalf("dialect received ids %v, want [42]", fd.addAddrIDs)
	}
}

func TestSupervisorMethodsDelegateToDialect(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	fd := &fakeDialect{tag: pm.TagMptcpOrg}
	m.dialect = fd

	ep := testEndpoint(t)

	if err := m.RemoveAddr(9, 1); err != nil {
		t.Fatalf("RemoveAddr: %v", err)
	}
	if len(fd.removeAddrCalls) != 1 || fd.removeAddrCalls[0] != 9 {
		t.Errorf("removeAddrCalls = %v, want [9]", fd.removeAddrCalls)
	}

	if err := m.AddSubflow(1, 1, 2, ep, ep, true); err != nil {
		t.Fatalf("AddSubflow: %v", err)
	}
	if fd.addSubflowCalls != 1 {
		t.Errorf("addSubflowCalls = %d, want 1", fd.addSubflowCalls)
	}

	if err := m.RemoveSubflow(1, ep, ep); err != nil {
		t.Fatalf("RemoveSubflow: %v", err)
	}
	if fd.removeSubflow != 1 {
		t.Errorf("removeSubflow = %d, want 1", fd.removeSubflow)
	}

	if err := m.SetBackup(1, ep, ep, true); err != nil {
		t.Fatalf("SetBackup: %v", err)
	}
	if fd.setBackupCalls != 1 {
		t.Errorf("setBackupCalls = %d, want 1", fd.setBackupCalls)
	}

	if got := m.Dialect(); got != pm.TagMptcpOrg {
		t.Errorf("Dialect() = %v, want TagMptcpOrg", got)
	}
}

func TestErrorKindClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{pm.ErrNotReady, "not_ready"},
		{pm.ErrUnsupported, "unsupported"},
		{pm.ErrInvalidSubflow, "invalid_subflow"},
		{pm.ErrEmptyLimits, "empty_limits"},
		{pm.ErrSend, "transient_send"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func descriptorStub(name string, priority int) dispatch.Descriptor {
	return dispatch.Descriptor{
		Name:     name,
		Priority: priority,
		Init: func(sup dispatch.Supervisor, register func(dispatch.Ops)) error {
			register(dispatch.Ops{})
			return nil
		},
	}
}

func TestLoadPluginsRegistersConfiguredPluginsInPriorityOrder(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	plugins := []dispatch.Descriptor{
		descriptorStub("secondary", 20),
		descriptorStub("primary", 10),
	}

	if err := m.loadPlugins(plugins); err != nil {
		t.Fatalf("loadPlugins: %v", err)
	}

	got := m.Dispatcher().Plugins()
	if len(got) != 2 {
		t.Fatalf("Plugins() returned %d entries, want 2", len(got))
	}
	// Priority-sorted: primary (10) before secondary (20).
	if got[0].Name != "primary" || got[1].Name != "secondary" {
		t.Errorf("Plugins() order = [%s %s], want [primary secondary]", got[0].Name, got[1].Name)
	}
}

func TestLoadPluginsRejectsUnknownName(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Plugins.Load = []string{"ghost"}
	m := New(cfg)

	err := m.loadPlugins([]dispatch.Descriptor{descriptorStub("primary", 10)})
	if err == nil {
		t.Fatal("loadPlugins returned nil error, want unknown-plugin error")
	}
}

func TestCloseUnloadsPluginsAndClosesDialect(t *testing.T) {
	t.Parallel()

	m := New(testConfig())
	fd := &fakeDialect{tag: pm.TagUpstream}
	m.dialect = fd

	exited := false
	desc := dispatch.Descriptor{
		Name:     "primary",
		Priority: 0,
		Init: func(sup dispatch.Supervisor, register func(dispatch.Ops)) error {
			register(dispatch.Ops{})
			return nil
		},
		Exit: func() { exited = true },
	}
	if err := m.dispatch.RegisterPlugin(desc, true); err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !exited {
		t.Error("Close did not call the plugin's Exit callback")
	}
	if !fd.closed {
		t.Error("Close did not close the dialect")
	}
	if got := m.Dialect(); got != pm.TagNone {
		t.Errorf("Dialect() after Close = %v, want TagNone", got)
	}
}
