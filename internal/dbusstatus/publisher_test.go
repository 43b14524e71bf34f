package dbusstatus_test

import (
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/mptcp-tools/mptcpd/internal/dbusstatus"
)

// requireSystemBus skips the test when no system bus is reachable, the
// case in almost every sandboxed build environment. The publisher
// itself is exercised by the callers of Connect in cmd/mptcpd; this
// test only runs where a real bus is available to talk to.
func requireSystemBus(t *testing.T) {
	t.Helper()
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		t.Skipf("no system bus reachable: %v", err)
	}
	conn.Close()
}

func TestConnectPublishesInitialStatus(t *testing.T) {
	requireSystemBus(t)

	p, err := dbusstatus.Connect(slog.Default())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	got := p.Current()
	if got.Dialect != "" || len(got.Plugins) != 0 || got.TrackedInterfaces != 0 || got.TrackedAddresses != 0 {
		t.Errorf("Current() = %+v, want zero value", got)
	}
}

func TestUpdateReplacesStatus(t *testing.T) {
	requireSystemBus(t)

	p, err := dbusstatus.Connect(slog.Default())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	s := dbusstatus.Status{
		Dialect:           "upstream",
		Plugins:           []string{"primary", "secondary"},
		TrackedInterfaces: 3,
		TrackedAddresses:  5,
	}
	p.Update(s)

	got := p.Current()
	if got.Dialect != s.Dialect {
		t.Errorf("Dialect = %q, want %q", got.Dialect, s.Dialect)
	}
	if len(got.Plugins) != 2 || got.Plugins[0] != "primary" || got.Plugins[1] != "secondary" {
		t.Errorf("Plugins = %v, want %v", got.Plugins, s.Plugins)
	}
	if got.TrackedInterfaces != 3 {
		t.Errorf("TrackedInterfaces = %d, want 3", got.TrackedInterfaces)
	}
	if got.TrackedAddresses != 5 {
		t.Errorf("TrackedAddresses = %d, want 5", got.TrackedAddresses)
	}
}
