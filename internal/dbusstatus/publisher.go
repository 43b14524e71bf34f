// Package dbusstatus exposes mptcpd's supervisor status on the system
// bus: resolved dialect, loaded plugin names, and tracked
// interface/address counts, replaced on each Update call and readable
// by any D-Bus client without going through the HTTP introspection
// surface.
//
// There is no teacher precedent for D-Bus code (the teacher repo has
// none), so the object path, interface name, and property set are
// original to this package; the wiring itself -- a long-lived
// connection and an exported object whose properties Update replaces,
// emitting PropertiesChanged -- follows the same "own a connection,
// Close releases it" shape as other long-lived components in this
// module (internal/netmon.Monitor, internal/pm.conn). Publisher runs no
// goroutine of its own; cmd/mptcpd calls Update on a fixed ticker.
package dbusstatus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const (
	// busName is the well-known name this publisher requests.
	busName = "org.mptcpd.PathManager"
	// objectPath is the single object this publisher exports.
	objectPath = dbus.ObjectPath("/org/mptcpd/PathManager")
	// interfaceName groups every property this publisher exposes.
	interfaceName = "org.mptcpd.PathManager1"
)

// Status is the point-in-time snapshot published on the bus. Callers
// build one from internal/pathmgr.Manager's accessors and hand it to
// Publisher.Update.
type Status struct {
	Dialect           string
	Plugins           []string
	TrackedInterfaces int
	TrackedAddresses  int
}

// Publisher owns the system-bus connection backing the exported
// org.mptcpd.PathManager1 object. A zero Publisher is not usable;
// build one with Connect.
type Publisher struct {
	logger *slog.Logger
	conn   *dbus.Conn
	props  *prop.Properties

	mu     sync.Mutex
	status Status
}

// Connect dials the system bus, requests busName, and exports an empty
// status object. It returns an error (never blocking forever) if the
// bus is unreachable or the name is already owned -- the daemon logs
// and continues without D-Bus publishing in that case, since spec.md
// treats this as an optional status surface, not a required component.
func Connect(logger *slog.Logger) (*Publisher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbusstatus: connect system bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusstatus: request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("dbusstatus: name %s already owned", busName)
	}

	p := &Publisher{logger: logger, conn: conn}

	propsSpec := map[string]map[string]*prop.Prop{
		interfaceName: {
			"Dialect": {
				Value:    "",
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"Plugins": {
				Value:    []string{},
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"TrackedInterfaces": {
				Value:    int32(0),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			"TrackedAddresses": {
				Value:    int32(0),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	}

	props, err := prop.Export(conn, objectPath, propsSpec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusstatus: export properties: %w", err)
	}
	p.props = props

	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: interfaceName,
				Properties: []introspect.Property{
					{Name: "Dialect", Type: "s", Access: "read"},
					{Name: "Plugins", Type: "as", Access: "read"},
					{Name: "TrackedInterfaces", Type: "i", Access: "read"},
					{Name: "TrackedAddresses", Type: "i", Access: "read"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusstatus: export introspection: %w", err)
	}

	return p, nil
}

// Update replaces the published status and emits PropertiesChanged for
// every field, so a subscriber that only watches property-changed
// signals (rather than polling) sees every update.
func (p *Publisher) Update(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()

	p.props.SetMust(interfaceName, "Dialect", s.Dialect)
	p.props.SetMust(interfaceName, "Plugins", append([]string(nil), s.Plugins...))
	p.props.SetMust(interfaceName, "TrackedInterfaces", int32(s.TrackedInterfaces))
	p.props.SetMust(interfaceName, "TrackedAddresses", int32(s.TrackedAddresses))
}

// Current returns the most recently published status.
func (p *Publisher) Current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Close releases busName and closes the underlying connection.
func (p *Publisher) Close() error {
	if _, err := p.conn.ReleaseName(busName); err != nil {
		p.logger.Warn("dbusstatus: release name failed", slog.String("error", err.Error()))
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("dbusstatus: close connection: %w", err)
	}
	return nil
}
