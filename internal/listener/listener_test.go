package listener

import (
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

func mustLoopback(t *testing.T, port uint16) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(netip.MustParseAddr("127.0.0.1"), port)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

// skipIfNoMPTCP treats a failure to open an IPPROTO_MPTCP socket as an
// environment limitation (kernel built without CONFIG_MPTCP, or a
// sandboxed test runner without CAP_NET_ADMIN) rather than a test
// failure.
func skipIfNoMPTCP(t *testing.T, err error) {
	t.Helper()
	if err != nil && (errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EPERM)) {
		t.Skipf("IPPROTO_MPTCP unavailable in this environment: %v", err)
	}
}

// TestScenarioS2 reproduces spec.md scenario S2.
func TestScenarioS2(t *testing.T) {
	m := New(endpoint.NewSeed())

	fixed := mustLoopback(t, 18080)
	_, err := m.Listen(fixed)
	skipIfNoMPTCP(t, err)
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if _, err := m.Listen(fixed); err != nil {
		t.Fatalf("second listen (share): %v", err)
	}

	ephemeral := mustLoopback(t, 0)
	resolved, err := m.Listen(ephemeral)
	if err != nil {
		t.Fatalf("ephemeral listen: %v", err)
	}
	if resolved.Port == 0 {
		t.Fatal("ephemeral listen did not resolve a non-zero port")
	}
	if resolved.Port == fixed.Port {
		t.Fatalf("ephemeral port collided with fixed port %d", fixed.Port)
	}

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	if err := m.Close(fixed); err != nil {
		t.Fatalf("close fixed (1/2): %v", err)
	}
	if m.Len() != 2 {
		t.Fatal("refcount should still hold the fixed entry open")
	}
	if err := m.Close(fixed); err != nil {
		t.Fatalf("close fixed (2/2): %v", err)
	}
	if err := m.Close(resolved); err != nil {
		t.Fatalf("close ephemeral: %v", err)
	}

	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after all closes", m.Len())
	}
}

func TestCloseUntrackedReturnsErrNotFound(t *testing.T) {
	m := New(endpoint.NewSeed())
	ep := mustLoopback(t, 18081)
	if err := m.Close(ep); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListenRejectsUnbound(t *testing.T) {
	m := New(endpoint.NewSeed())
	unbound := mustLoopback(t, 0)
	unbound.Addr = netip.IPv4Unspecified()
	if _, err := m.Listen(unbound); !errors.Is(err, ErrUnbound) {
		t.Fatalf("expected ErrUnbound, got %v", err)
	}
}
