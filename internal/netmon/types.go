// Package netmon implements the rtnetlink-backed interface and address
// inventory (spec.md §4.5): it primes itself with GETLINK/GETADDR dumps,
// tracks interfaces and addresses by kernel index, validates reachability
// with a default-route probe, and publishes change events to registered
// Ops. The rtnetlink transport shape (netlink.Conn/Dial/Execute,
// multipart-dump continuation) is adapted from
// _examples/other_examples/bbe6cb9c_Spellinfo-sstop's platform_linux.go,
// and RTM_*/IFA_* constant values follow
// _examples/other_examples/039b7535_4nonX-D-PlaneOS's netlinkx client.
package netmon

import (
	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// NotifyFlags controls monitor publication policy (spec.md §6.4
// notify_flags).
type NotifyFlags uint32

const (
	// FlagExisting causes GETADDR dump replies to be published like
	// new addresses instead of silently primed.
	FlagExisting NotifyFlags = 1 << 0
	// FlagSkipLL drops addresses with RT_SCOPE_LINK.
	FlagSkipLL NotifyFlags = 1 << 1
	// FlagSkipHost drops addresses with RT_SCOPE_HOST.
	FlagSkipHost NotifyFlags = 1 << 2
	// FlagRouteCheck gates address publication on a default-route
	// probe toward a documentation-space destination.
	FlagRouteCheck NotifyFlags = 1 << 3
)

// Scope mirrors the kernel's RT_SCOPE_* address scope values.
type Scope uint8

const (
	ScopeUniverse Scope = 0
	ScopeSite     Scope = 200
	ScopeLink     Scope = 253
	ScopeHost     Scope = 254
	ScopeNowhere  Scope = 255
)

// NetworkInterface is the monitor's record of one tracked link
// (spec.md §3). Index is the primary key and is stable for the
// lifetime of the interface; Addrs is insertion-ordered.
type NetworkInterface struct {
	Index     int32
	Name      string
	ARPType   uint16
	Flags     uint32
	Addrs     []*AddressRecord
}

// Ready reports whether the interface is eligible for tracking: up,
// running, and not a loopback device (spec.md §4.5 NEWLINK handling).
func (n *NetworkInterface) Ready() bool {
	const (
		iffUp      = 1 << 0
		iffLoopback = 1 << 3
		iffRunning  = 1 << 6
	)
	return n.Flags&iffUp != 0 && n.Flags&iffRunning != 0 && n.Flags&iffLoopback == 0
}

// AddressRecord is a monitor-owned value wrapping an endpoint, with a
// refcount protecting it across an in-flight asynchronous route
// probe and a weak back-reference to its NetworkInterface held as an
// index, re-resolved at use site rather than as a pointer (spec.md
// §4.5, §8 "Cyclic/weak references").
type AddressRecord struct {
	Endpoint   endpoint.Endpoint
	Scope      Scope
	IfIndex    int32
	refCount   int32
	published  bool
	probeAttempt int
}

// Ops is the monitor's own callback set, invoked on interface and
// address transitions. At least one field must be non-nil for
// RegisterOps to accept it (spec.md §4.5 register_ops). The broader
// 15-field plugin vtable (spec.md §6.3) lives in internal/dispatch;
// internal/pathmgr registers one Ops value here that forwards monitor
// events to the dispatcher's plugin calls.
type Ops struct {
	NewInterface    func(iface *NetworkInterface)
	UpdateInterface func(iface *NetworkInterface)
	DeleteInterface func(iface *NetworkInterface)
	NewAddress      func(iface *NetworkInterface, ep endpoint.Endpoint)
	DeleteAddress   func(iface *NetworkInterface, ep endpoint.Endpoint)
}

func (o Ops) empty() bool {
	return o.NewInterface == nil && o.UpdateInterface == nil && o.DeleteInterface == nil &&
		o.NewAddress == nil && o.DeleteAddress == nil
}
