// Package endpoint provides uniform handling of IPv4/IPv6 socket
// endpoints: family selection, wire payload sizing, equality, and deep
// copy. Higher layers never touch a
// netip.Addr or port directly; they go through the helpers here so the
// same rules apply everywhere.
package endpoint

import (
	"errors"
	"fmt"
	"net/netip"
)

// Family identifies the address family of an Endpoint.
type Family int

const (
	// FamilyUnknown marks an endpoint whose address is neither a valid
	// IPv4 nor IPv6 unicast/any address.
	FamilyUnknown Family = iota
	// FamilyV4 is AF_INET.
	FamilyV4
	// FamilyV6 is AF_INET6.
	FamilyV6
)

// String renders the family for logging.
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "unknown"
	}
}

// ErrInvalidFamily is returned whenever an endpoint's address is
// neither a 4-in-netip nor a 6-in-netip address.
var ErrInvalidFamily = errors.New("endpoint: invalid address family")

// Endpoint is an IPv4 or IPv6 socket address with a port. Ports are
// always held in host byte order here; how a port is laid out on the
// wire is decided by the dialect encoders in internal/pm, never by this
// type. Both dialects write the port attribute in host byte order.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// New builds an Endpoint, rejecting addresses that are not valid v4 or
// v6 unicast/any addresses.
func New(addr netip.Addr, port uint16) (Endpoint, error) {
	ep := Endpoint{Addr: addr, Port: port}
	if _, err := ep.Family(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Family returns v4 or v6 for a well-formed endpoint, or
// ErrInvalidFamily otherwise.
func (e Endpoint) Family() (Family, error) {
	switch {
	case !e.Addr.IsValid():
		return FamilyUnknown, fmt.Errorf("%w: zero value address", ErrInvalidFamily)
	case e.Addr.Is4() || e.Addr.Is4In6():
		return FamilyV4, nil
	case e.Addr.Is6():
		return FamilyV6, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: %s", ErrInvalidFamily, e.Addr)
	}
}

// Size returns the wire payload size of the endpoint's address: 4
// bytes for v4, 16 for v6. It panics if called on an invalid-family
// endpoint; callers must validate with Family first.
func (e Endpoint) Size() int {
	fam, err := e.Family()
	if err != nil {
		panic("endpoint: Size called on invalid-family endpoint: " + err.Error())
	}
	if fam == FamilyV4 {
		return 4
	}
	return 16
}

// Bytes returns the address payload in its family's natural length (4
// or 16 bytes), unwrapping any 4-in-6 representation.
func (e Endpoint) Bytes() []byte {
	fam, err := e.Family()
	if err != nil {
		return nil
	}
	if fam == FamilyV4 {
		a4 := e.Addr.As4()
		return a4[:]
	}
	a16 := e.Addr.As16()
	return a16[:]
}

// Clone returns a deep, independent copy of the endpoint. netip.Addr
// is an immutable value type, so this is a plain value copy, but the
// method exists so call sites never need to know that -- the contract
// is "you may keep this without aliasing the source."
func (e Endpoint) Clone() Endpoint {
	return Endpoint{Addr: e.Addr, Port: e.Port}
}

// Equal reports structural equality: same family, same address bytes,
// same port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Addr == other.Addr && e.Port == other.Port
}

// IsUnbound reports whether the endpoint's address is the "unspecified"
// placeholder for its family (0.0.0.0, ::, or limited broadcast
// 255.255.255.255). The listener manager rejects these.
func (e Endpoint) IsUnbound() bool {
	if !e.Addr.IsValid() {
		return true
	}
	if e.Addr.IsUnspecified() {
		return true
	}
	if e.Addr.Is4() && e.Addr.As4() == [4]byte{255, 255, 255, 255} {
		return true
	}
	return false
}

// String renders "addr:port" for logging.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}
