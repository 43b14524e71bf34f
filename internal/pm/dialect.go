// Package pm implements the MPTCP path-manager generic-netlink client:
// two dialects ("upstream" and "mptcp.org") behind one command vtable,
// selected at runtime by probing /proc/sys/net/mptcp/* (spec.md §4.6).
// The genetlink transport shape (Dial/execute/runConn via request and
// response channels) is adapted from
// _examples/other_examples/c8ec7c92_katalix-go-l2tp-debian's
// internal/nll2tp package almost unchanged; only the command/attribute
// sets differ.
package pm

import (
	"context"
	"errors"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// Tag is the closed sum type over MPTCP path-manager dialects
// (spec.md §9, "Tagged variants for dialects").
type Tag int

const (
	// TagNone means neither dialect is active; the PathManager is
	// "not ready" and every command fails fast.
	TagNone Tag = iota
	// TagUpstream is the mainline Linux MPTCP implementation, genl
	// family "mptcp".
	TagUpstream
	// TagMptcpOrg is the multipath-tcp.org out-of-tree fork, genl
	// family "mptcp_pm".
	TagMptcpOrg
)

func (t Tag) String() string {
	switch t {
	case TagUpstream:
		return "upstream"
	case TagMptcpOrg:
		return "mptcp.org"
	default:
		return "none"
	}
}

// AddrFlags is the bitmask carried by add_addr/set_flags (spec.md
// §6.4).
type AddrFlags uint32

const (
	FlagSignal  AddrFlags = 1 << 0
	FlagSubflow AddrFlags = 1 << 1
	FlagBackup  AddrFlags = 1 << 2
)

// LimitType is the API-boundary enum for set_limits/get_limits;
// translated to dialect-specific attribute IDs at the encode/decode
// boundary (spec.md §6.2).
type LimitType int

const (
	LimitRcvAddAddrs LimitType = iota
	LimitSubflows
)

// Limit pairs a limit type with its value.
type Limit struct {
	Type  LimitType
	Value uint32
}

// AddressInfo is the kernel dump item returned opaquely to callers of
// get_addr/dump_addrs (spec.md §3).
type AddressInfo struct {
	Endpoint endpoint.Endpoint
	ID       uint8
	Flags    AddrFlags
	IfIndex  int32
}

// Sentinel errors (spec.md §7).
var (
	// ErrNotReady is returned by every command when the dialect has
	// not resolved (genl family absent).
	ErrNotReady = errors.New("pm: dialect not ready")
	// ErrUnsupported is returned for a command that does not apply to
	// the active dialect (e.g. set_flags on mptcp.org).
	ErrUnsupported = errors.New("pm: command not supported by dialect")
	// ErrEmptyLimits is returned by SetLimits when called with no
	// entries (EINVAL).
	ErrEmptyLimits = errors.New("pm: set_limits requires at least one entry")
	// ErrInvalidSubflow is returned by AddSubflow when the remote
	// endpoint has a zero port.
	ErrInvalidSubflow = errors.New("pm: add_subflow requires a non-zero remote port")
	// ErrSend wraps a transient kernel send failure (ENOMEM-class).
	ErrSend = errors.New("pm: netlink send failed")
)

// Dialect is the command vtable every MPTCP path-manager dialect
// implements (spec.md §4.6 table). Operations that do not apply to a
// dialect return ErrUnsupported, never a compile-time absence —
// spec.md §9 models this as a closed sum type with dispatch by tag,
// not as two incompatible interfaces.
type Dialect interface {
	// Tag identifies which dialect this is.
	Tag() Tag
	// Ready reports whether the genl family has resolved.
	Ready() bool

	// AddAddr announces a local address. id == 0, flags == 0, or
	// ifIndex == 0 omit the corresponding wire attribute. token == 0
	// omits the token attribute (process-wide announcement).
	AddAddr(ctx context.Context, ep endpoint.Endpoint, id uint8, flags AddrFlags, ifIndex int32, token uint32) error
	// RemoveAddr withdraws a previously announced address by ID.
	RemoveAddr(ctx context.Context, id uint8, token uint32) error
	// GetAddr invokes cb exactly once with the address matching id.
	GetAddr(ctx context.Context, id uint8, cb func(AddressInfo)) error
	// DumpAddrs invokes cb once per announced address.
	DumpAddrs(ctx context.Context, cb func(AddressInfo)) error
	// FlushAddrs withdraws every announced address.
	FlushAddrs(ctx context.Context) error
	// SetLimits replaces the configured limits. Returns ErrEmptyLimits
	// if limits is empty.
	SetLimits(ctx context.Context, limits []Limit) error
	// GetLimits invokes cb exactly once with the current limits,
	// translated to the API-boundary LimitType enum.
	GetLimits(ctx context.Context, cb func([]Limit)) error
	// AddSubflow requests a new subflow for token between the local
	// and remote endpoints. localEP may be the zero value (kernel
	// picks the local address); remoteEP must have a non-zero port.
	AddSubflow(ctx context.Context, token uint32, localID, remoteID uint8, localEP, remoteEP endpoint.Endpoint, backup bool) error
	// RemoveSubflow tears down the subflow identified by the address
	// pair within token.
	RemoveSubflow(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint) error
	// SetBackup toggles the backup priority flag on a subflow.
	SetBackup(ctx context.Context, token uint32, localEP, remoteEP endpoint.Endpoint, backup bool) error
	// SetFlags updates the announcement flags for a local address.
	// Upstream-only; mptcp.org returns ErrUnsupported.
	SetFlags(ctx context.Context, ep endpoint.Endpoint, flags AddrFlags) error

	// Events joins the family's connection-lifecycle multicast groups
	// on a connection dedicated to that purpose and returns a channel
	// of decoded notifications (spec.md §4.8: "registers multicast
	// groups ... records the family object"). The channel is closed
	// once ctx is done.
	Events(ctx context.Context) (<-chan Event, error)

	// Close releases the underlying genetlink connection.
	Close() error
}
