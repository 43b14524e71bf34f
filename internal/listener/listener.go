// Package listener maintains a reference-counted pool of
// IPPROTO_MPTCP listening sockets keyed by bound endpoint, resolving
// ephemeral ports through getsockname on first bind. It is grounded on
// the teacher's internal/netio/listener.go socket-lifecycle shape
// (PacketConn wrapping, explicit Close) combined with the map+mutex
// CRUD convention of internal/bfd/manager.go; the refcount bookkeeping
// itself has no teacher precedent and is original to this package.
package listener

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// ipprotoMPTCP is IPPROTO_MPTCP (linux/in.h, value 262). golang.org/x/sys/unix
// does not export this constant on every supported kernel/arch
// combination, so it is pinned here directly; it is numerically
// identical to the documented fallback IPPROTO_TCP+256.
const ipprotoMPTCP = unix.IPPROTO_TCP + 256

// ErrUnbound is returned by Listen when the endpoint is the family's
// "unspecified" placeholder.
var ErrUnbound = errors.New("listener: endpoint is unbound")

// ErrNotFound is returned by Close when no listener is tracked for the
// given endpoint.
var ErrNotFound = errors.New("listener: no listener for endpoint")

type entry struct {
	fd     int
	refcnt int
}

// Manager is the refcounted MPTCP listening-socket pool (spec.md
// §4.4). It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	seed    uint32
	entries map[endpoint.Key]*entry
}

// New creates an empty listener manager sharing seed with the rest of
// the path manager's hash-keyed state.
func New(seed uint32) *Manager {
	return &Manager{
		seed:    seed,
		entries: make(map[endpoint.Key]*entry),
	}
}

// Listen opens (or shares) a listening MPTCP socket for ep. If a
// listener is already tracked for ep, its refcount is incremented and
// the call succeeds without touching the kernel. Otherwise a new
// socket is created, bound, and put into listen mode with backlog 0;
// the endpoint returned carries the actual bound port (ephemeral
// resolution applied via getsockname), never a zero port.
func (m *Manager) Listen(ep endpoint.Endpoint) (endpoint.Endpoint, error) {
	fam, err := ep.Family()
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("listen: %w", err)
	}
	if ep.IsUnbound() {
		return endpoint.Endpoint{}, fmt.Errorf("listen %s: %w", ep, ErrUnbound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpoint.NewKey(ep, m.seed)
	if e, ok := m.entries[key]; ok {
		e.refcnt++
		return ep, nil
	}

	resolved, fd, err := openListener(fam, ep)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("listen %s: %w", ep, err)
	}

	m.entries[endpoint.NewKey(resolved, m.seed)] = &entry{fd: fd, refcnt: 1}
	return resolved, nil
}

// Close decrements the refcount for ep's listener and, once it reaches
// zero, closes the underlying fd and removes the entry. Returns
// ErrNotFound if ep has no tracked listener.
func (m *Manager) Close(ep endpoint.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpoint.NewKey(ep, m.seed)
	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("close %s: %w", ep, ErrNotFound)
	}

	e.refcnt--
	if e.refcnt > 0 {
		return nil
	}

	delete(m.entries, key)
	if err := unix.Close(e.fd); err != nil {
		return fmt.Errorf("close %s: %w", ep, err)
	}
	return nil
}

// Len returns the number of distinct endpoints currently listening.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// openListener performs the socket/bind/listen/getsockname sequence
// (spec.md §4.4 steps 3-5), closing the fd and returning an error on
// any failure.
func openListener(fam endpoint.Family, ep endpoint.Endpoint) (endpoint.Endpoint, int, error) {
	domain := unix.AF_INET
	if fam == endpoint.FamilyV6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, ipprotoMPTCP)
	if err != nil {
		return endpoint.Endpoint{}, -1, fmt.Errorf("socket: %w", err)
	}

	sa, err := sockaddrFromEndpoint(ep)
	if err != nil {
		unix.Close(fd)
		return endpoint.Endpoint{}, -1, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return endpoint.Endpoint{}, -1, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, 0); err != nil {
		unix.Close(fd)
		return endpoint.Endpoint{}, -1, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return endpoint.Endpoint{}, -1, fmt.Errorf("getsockname: %w", err)
	}

	resolved, err := endpointFromSockaddr(bound)
	if err != nil {
		unix.Close(fd)
		return endpoint.Endpoint{}, -1, err
	}

	return resolved, fd, nil
}

func sockaddrFromEndpoint(ep endpoint.Endpoint) (unix.Sockaddr, error) {
	fam, err := ep.Family()
	if err != nil {
		return nil, err
	}
	if fam == endpoint.FamilyV4 {
		var addr [4]byte
		copy(addr[:], ep.Bytes())
		return &unix.SockaddrInet4{Port: int(ep.Port), Addr: addr}, nil
	}
	var addr [16]byte
	copy(addr[:], ep.Bytes())
	return &unix.SockaddrInet6{Port: int(ep.Port), Addr: addr}, nil
}

func endpointFromSockaddr(sa unix.Sockaddr) (endpoint.Endpoint, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return endpoint.New(addrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return endpoint.New(addrFrom16(v.Addr), uint16(v.Port))
	default:
		return endpoint.Endpoint{}, fmt.Errorf("listener: unsupported sockaddr type %T", sa)
	}
}
