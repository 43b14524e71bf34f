// Package dispatch implements the policy dispatcher (spec.md §4.7) and
// plugin contract (spec.md §6.3): a priority-ordered registry of
// Plugin descriptors, each associating a name with an event vtable
// (Ops), token-sticky routing for connection events, and broadcast
// fan-out for network events. The single-consumer registry/dispatch
// loop shape is grounded on
// internal/gobgp/handler.go's state-change consume loop in the teacher
// repo, generalized from one hardcoded handler into a registry of
// named plugins.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
	"github.com/mptcp-tools/mptcpd/internal/netmon"
	"github.com/mptcp-tools/mptcpd/internal/pm"
)

// Supervisor is the subset of the PathManager a plugin may call back
// into (spec.md §3: "All plugin callbacks receive a pointer to the
// PathManager as their context"). internal/pathmgr.Manager implements
// this; it is declared here, not there, so a plugin only depends on
// internal/dispatch, never on the concrete supervisor type.
type Supervisor interface {
	Dialect() pm.Tag
	AddAddr(ep endpoint.Endpoint, id uint8, flags pm.AddrFlags, ifIndex int32, token uint32) error
	RemoveAddr(id uint8, token uint32) error
	AddSubflow(token uint32, localID, remoteID uint8, local, remote endpoint.Endpoint, backup bool) error
	RemoveSubflow(token uint32, local, remote endpoint.Endpoint) error
	SetBackup(token uint32, local, remote endpoint.Endpoint, backup bool) error
}

// ConnectionEvent carries a connection token plus the subflow pair
// active at the time of the event.
type ConnectionEvent struct {
	Token  uint32
	Local  endpoint.Endpoint
	Remote endpoint.Endpoint
}

// SubflowEvent describes a subflow transition within a connection.
type SubflowEvent struct {
	Token            uint32
	LocalID, RemoteID uint8
	Local, Remote    endpoint.Endpoint
	Backup           bool
}

// AddressEvent describes an announced-address transition within a
// connection.
type AddressEvent struct {
	Token uint32
	Info  pm.AddressInfo
}

// ListenerEvent describes a listening-socket transition, dispatched
// directly to the named plugin rather than routed by token.
type ListenerEvent struct {
	Name     string
	Endpoint endpoint.Endpoint
}

// Ops is the connection/network-event vtable a plugin associates with
// its name by calling the register function passed to Descriptor.Init
// (spec.md §6.3). Every field is
// optional; an unset field is a no-op.
type Ops struct {
	NewConnection         func(Supervisor, ConnectionEvent)
	ConnectionEstablished func(Supervisor, ConnectionEvent)
	ConnectionClosed      func(Supervisor, ConnectionEvent)
	NewAddress            func(Supervisor, AddressEvent)
	AddressRemoved        func(Supervisor, AddressEvent)
	NewSubflow            func(Supervisor, SubflowEvent)
	SubflowClosed         func(Supervisor, SubflowEvent)
	SubflowPriority       func(Supervisor, SubflowEvent)
	ListenerCreated       func(Supervisor, ListenerEvent)
	ListenerClosed        func(Supervisor, ListenerEvent)
	NewInterface          func(Supervisor, *netmon.NetworkInterface)
	UpdateInterface       func(Supervisor, *netmon.NetworkInterface)
	DeleteInterface       func(Supervisor, *netmon.NetworkInterface)
	NewLocalAddress       func(Supervisor, endpoint.Endpoint)
	DeleteLocalAddress    func(Supervisor, endpoint.Endpoint)
}

// Descriptor is the one symbol a plugin module exports (spec.md §6.3):
// name, human description, load priority, and init/exit callbacks.
// Init receives the Supervisor and a register function; it must call
// register exactly once with the Ops it wants associated with its
// name, mirroring the original register_ops(name, vtable) call made
// from inside a plugin's init().
type Descriptor struct {
	Name        string
	Description string
	Priority    int
	Init        func(sup Supervisor, register func(Ops)) error
	Exit        func()
}

var (
	// ErrDuplicateName is returned when two descriptors share a name.
	ErrDuplicateName = errors.New("dispatch: plugin name already registered")
	// ErrNoOpsRegistered is returned when Init returns without calling
	// register (spec.md §4.5-style "at least one callback" rule applies
	// at the dispatcher level too: a plugin that registers nothing is a
	// configuration error).
	ErrNoOpsRegistered = errors.New("dispatch: plugin Init did not call register")
)

type registeredPlugin struct {
	desc Descriptor
	ops  Ops
}
