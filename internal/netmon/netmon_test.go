package netmon

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

const (
	iffUp      = 1 << 0
	iffRunning = 1 << 6
	iffLoopback = 1 << 3
)

func readyFlags() uint32 { return iffUp | iffRunning }

func TestRegisterOpsRejectsEmpty(t *testing.T) {
	m := New(0)
	if err := m.RegisterOps(Ops{}); err != ErrOpsEmpty {
		t.Fatalf("expected ErrOpsEmpty, got %v", err)
	}
}

func TestForeachInterfaceInsertionOrder(t *testing.T) {
	m := New(0)
	m.handleLinkEvent(linkEvent{index: 5, name: "eth0", flags: readyFlags()})
	m.handleLinkEvent(linkEvent{index: 2, name: "eth1", flags: readyFlags()})
	m.handleLinkEvent(linkEvent{index: 9, name: "eth2", flags: readyFlags()})

	var got []int32
	m.ForeachInterface(func(i *NetworkInterface) { got = append(got, i.Index) })

	want := []int32{5, 2, 9}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLinkEventTransitions(t *testing.T) {
	m := New(0)

	var newCount, updateCount, deleteCount int
	if err := m.RegisterOps(Ops{
		NewInterface:    func(*NetworkInterface) { newCount++ },
		UpdateInterface: func(*NetworkInterface) { updateCount++ },
		DeleteInterface: func(*NetworkInterface) { deleteCount++ },
	}); err != nil {
		t.Fatalf("RegisterOps: %v", err)
	}

	// Not ready (no IFF_RUNNING): not tracked.
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: iffUp})
	if _, ok := m.ifaces[1]; ok {
		t.Fatal("interface should not be tracked while not ready")
	}

	// Ready: insert + notify.
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})
	if _, ok := m.ifaces[1]; !ok {
		t.Fatal("interface should be tracked once ready")
	}
	if newCount != 1 {
		t.Fatalf("newCount = %d, want 1", newCount)
	}

	// Still ready, NEWLINK seen again: update.
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})
	if updateCount != 1 {
		t.Fatalf("updateCount = %d, want 1", updateCount)
	}

	// Transition to not ready: remove + delete notify.
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: iffUp})
	if _, ok := m.ifaces[1]; ok {
		t.Fatal("interface should have been removed")
	}
	if deleteCount != 1 {
		t.Fatalf("deleteCount = %d, want 1", deleteCount)
	}

	// Loopback never tracked.
	m.handleLinkEvent(linkEvent{index: 2, name: "lo", flags: readyFlags() | iffLoopback})
	if _, ok := m.ifaces[2]; ok {
		t.Fatal("loopback interface should never be tracked")
	}
}

func TestLinkDelUntracked(t *testing.T) {
	m := New(0)
	// DELLINK for an interface never seen must be a no-op, not a panic.
	m.handleLinkEvent(linkEvent{index: 42, del: true})
}

func TestAddrScopeFiltering(t *testing.T) {
	m := New(FlagSkipLL | FlagSkipHost)
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeLink, addr: netip.MustParseAddr("169.254.1.1")})
	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeHost, addr: netip.MustParseAddr("127.0.0.2")})
	if notified != 0 {
		t.Fatalf("link/host scoped addresses should be filtered, got %d notifications", notified)
	}

	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeUniverse, addr: netip.MustParseAddr("192.0.2.55")})
	if notified != 1 {
		t.Fatalf("universe scoped address should publish, got %d notifications", notified)
	}
}

func TestAddrNoopOnDuplicate(t *testing.T) {
	m := New(0)
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	ev := addrEvent{index: 1, scope: ScopeUniverse, addr: netip.MustParseAddr("192.0.2.10")}
	m.handleAddrEvent(ev)
	m.handleAddrEvent(ev)

	if notified != 1 {
		t.Fatalf("duplicate NEWADDR should be a no-op, got %d notifications", notified)
	}
	if len(m.ifaces[1].Addrs) != 1 {
		t.Fatalf("expected exactly one tracked address, got %d", len(m.ifaces[1].Addrs))
	}
}

func TestAddrDumpPrimingWithoutExistingFlagIsSilent(t *testing.T) {
	m := New(0) // FlagExisting not set

	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeUniverse, addr: netip.MustParseAddr("192.0.2.20"), existing: true})

	if notified != 0 {
		t.Fatalf("dump-primed address without FlagExisting must not publish, got %d notifications", notified)
	}
	if len(m.ifaces[1].Addrs) != 1 {
		t.Fatal("dump-primed address must still be tracked")
	}
}

func TestAddrDumpPrimingWithExistingFlagPublishes(t *testing.T) {
	m := New(FlagExisting)
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeUniverse, addr: netip.MustParseAddr("192.0.2.21"), existing: true})

	if notified != 1 {
		t.Fatalf("FlagExisting should publish dump-primed addresses like new ones, got %d", notified)
	}
}

func TestAddrDeleteReleasesAndNotifies(t *testing.T) {
	m := New(0)
	m.handleLinkEvent(linkEvent{index: 1, name: "eth0", flags: readyFlags()})

	var newCount, delCount int
	_ = m.RegisterOps(Ops{
		NewAddress:    func(*NetworkInterface, endpoint.Endpoint) { newCount++ },
		DeleteAddress: func(*NetworkInterface, endpoint.Endpoint) { delCount++ },
	})

	addr := netip.MustParseAddr("192.0.2.30")
	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeUniverse, addr: addr})
	m.handleAddrEvent(addrEvent{index: 1, scope: ScopeUniverse, addr: addr, del: true})

	if newCount != 1 || delCount != 1 {
		t.Fatalf("newCount=%d delCount=%d, want 1/1", newCount, delCount)
	}
	if len(m.ifaces[1].Addrs) != 0 {
		t.Fatal("address should be removed from interface's list")
	}
}

// TestScenarioS4 reproduces spec.md scenario S4: the first two
// route-probe replies carry a non-default destination, and the third
// attempt's reply finally shows the default route with a matching OIF,
// publishing new_address exactly once.
func TestScenarioS4(t *testing.T) {
	m := New(FlagRouteCheck)
	m.handleLinkEvent(linkEvent{index: 7, name: "eth0", flags: readyFlags()})

	var mu sync.Mutex
	var attempts int
	var notified int
	done := make(chan struct{})

	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) {
		mu.Lock()
		notified++
		mu.Unlock()
		close(done)
	}})

	m.probe = func(ctx context.Context, dst netip.Addr, oif int32) (routeProbeResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return routeProbeResult{isDefault: false}, nil
		}
		return routeProbeResult{isDefault: true, oif: oif}, nil
	}

	m.handleAddrEvent(addrEvent{index: 7, scope: ScopeUniverse, addr: netip.MustParseAddr("192.168.1.2")})

	<-done
	m.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

// TestRouteProbeExhaustionReleasesSilently covers the case where every
// attempt fails: the record is released without ever publishing.
func TestRouteProbeExhaustionReleasesSilently(t *testing.T) {
	m := New(FlagRouteCheck)
	m.handleLinkEvent(linkEvent{index: 3, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	m.probe = func(ctx context.Context, dst netip.Addr, oif int32) (routeProbeResult, error) {
		return routeProbeResult{isDefault: false}, nil
	}

	m.handleAddrEvent(addrEvent{index: 3, scope: ScopeUniverse, addr: netip.MustParseAddr("192.168.1.3")})
	m.wg.Wait()

	if notified != 0 {
		t.Fatalf("expected no publication after exhaustion, got %d", notified)
	}
}

// TestRouteProbeDelAddrRace exercises the weak-reference safety
// described in spec.md §8: a DELADDR arrives while the probe is still
// in flight, removing the record from the interface's list without
// destroying it; the probe's later success must not resurrect it.
func TestRouteProbeDelAddrRace(t *testing.T) {
	m := New(FlagRouteCheck)
	m.handleLinkEvent(linkEvent{index: 4, name: "eth0", flags: readyFlags()})

	var notified int
	_ = m.RegisterOps(Ops{NewAddress: func(*NetworkInterface, endpoint.Endpoint) { notified++ }})

	probeCanProceed := make(chan struct{})
	m.probe = func(ctx context.Context, dst netip.Addr, oif int32) (routeProbeResult, error) {
		<-probeCanProceed
		return routeProbeResult{isDefault: true, oif: oif}, nil
	}

	addr := netip.MustParseAddr("192.168.1.4")
	m.handleAddrEvent(addrEvent{index: 4, scope: ScopeUniverse, addr: addr})

	// Address withdrawn before the probe's single attempt returns.
	m.handleAddrEvent(addrEvent{index: 4, scope: ScopeUniverse, addr: addr, del: true})
	close(probeCanProceed)
	m.wg.Wait()

	if notified != 0 {
		t.Fatalf("a withdrawn-before-probe-completion address must never publish, got %d", notified)
	}
	if len(m.ifaces[4].Addrs) != 0 {
		t.Fatal("address must remain removed from the interface's list")
	}
}
