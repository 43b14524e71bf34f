package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
	"github.com/mptcp-tools/mptcpd/internal/netmon"
)

// Dispatcher is the policy dispatcher (spec.md §4.7): a
// priority-ordered plugin registry, token-sticky connection-event
// routing, and broadcast network-event fan-out.
type Dispatcher struct {
	mu          sync.Mutex
	sup         Supervisor
	plugins     []*registeredPlugin
	byName      map[string]*registeredPlugin
	defaultName string
	tokens      map[uint32]string
}

// New builds a Dispatcher bound to sup, the object every plugin
// callback receives as its context.
func New(sup Supervisor) *Dispatcher {
	return &Dispatcher{
		sup:    sup,
		byName: make(map[string]*registeredPlugin),
		tokens: make(map[uint32]string),
	}
}

// RegisterPlugin loads one plugin descriptor: it calls desc.Init,
// expects exactly one register(ops) call from within it, and inserts
// the result into the priority-sorted registry. markDefault names this
// plugin as the fallback for connection events that arrive without an
// explicit plugin name.
func (d *Dispatcher) RegisterPlugin(desc Descriptor, markDefault bool) error {
	d.mu.Lock()
	if _, exists := d.byName[desc.Name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateName, desc.Name)
	}
	d.mu.Unlock()

	var (
		got    Ops
		gotOps bool
	)
	register := func(ops Ops) {
		got = ops
		gotOps = true
	}

	if desc.Init != nil {
		if err := desc.Init(d.sup, register); err != nil {
			return fmt.Errorf("dispatch: init plugin %q: %w", desc.Name, err)
		}
	}
	if !gotOps {
		return fmt.Errorf("%w: %q", ErrNoOpsRegistered, desc.Name)
	}

	rp := &registeredPlugin{desc: desc, ops: got}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[desc.Name] = rp
	d.plugins = append(d.plugins, rp)
	sort.SliceStable(d.plugins, func(i, j int) bool {
		return d.plugins[i].desc.Priority < d.plugins[j].desc.Priority
	})
	if markDefault {
		d.defaultName = desc.Name
	}
	return nil
}

// Unload calls every registered plugin's Exit callback, in priority
// order, and clears the registry (spec.md §4.8 teardown: "unloads
// plugins").
func (d *Dispatcher) Unload() {
	d.mu.Lock()
	plugins := append([]*registeredPlugin(nil), d.plugins...)
	d.plugins = nil
	d.byName = make(map[string]*registeredPlugin)
	d.tokens = make(map[uint32]string)
	d.mu.Unlock()

	for _, p := range plugins {
		if p.desc.Exit != nil {
			p.desc.Exit()
		}
	}
}

// resolveConnectionPlugin implements the token → plugin-name stickiness
// rule (spec.md §4.7): the first event for a token picks the plugin
// (by requestedName, falling back to the default); every later event
// for that token looks up the stored name instead.
func (d *Dispatcher) resolveConnectionPlugin(token uint32, requestedName string) *registeredPlugin {
	d.mu.Lock()
	defer d.mu.Unlock()

	name, tracked := d.tokens[token]
	if !tracked {
		name = requestedName
		if name == "" {
			name = d.defaultName
		}
		d.tokens[token] = name
	}
	return d.byName[name]
}

func (d *Dispatcher) forgetToken(token uint32) {
	d.mu.Lock()
	delete(d.tokens, token)
	d.mu.Unlock()
}

// NewConnection routes the first event of a connection, picking
// requestedName (or the default plugin when empty) and remembering
// the choice for the lifetime of the token.
func (d *Dispatcher) NewConnection(requestedName string, ev ConnectionEvent) {
	p := d.resolveConnectionPlugin(ev.Token, requestedName)
	if p != nil && p.ops.NewConnection != nil {
		p.ops.NewConnection(d.sup, ev)
	}
}

func (d *Dispatcher) ConnectionEstablished(ev ConnectionEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.ConnectionEstablished != nil {
		p.ops.ConnectionEstablished(d.sup, ev)
	}
}

// ConnectionClosed dispatches then removes the token → plugin mapping.
func (d *Dispatcher) ConnectionClosed(ev ConnectionEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.ConnectionClosed != nil {
		p.ops.ConnectionClosed(d.sup, ev)
	}
	d.forgetToken(ev.Token)
}

func (d *Dispatcher) NewAddress(ev AddressEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.NewAddress != nil {
		p.ops.NewAddress(d.sup, ev)
	}
}

func (d *Dispatcher) AddressRemoved(ev AddressEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.AddressRemoved != nil {
		p.ops.AddressRemoved(d.sup, ev)
	}
}

func (d *Dispatcher) NewSubflow(ev SubflowEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.NewSubflow != nil {
		p.ops.NewSubflow(d.sup, ev)
	}
}

func (d *Dispatcher) SubflowClosed(ev SubflowEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.SubflowClosed != nil {
		p.ops.SubflowClosed(d.sup, ev)
	}
}

func (d *Dispatcher) SubflowPriority(ev SubflowEvent) {
	p := d.resolveConnectionPlugin(ev.Token, "")
	if p != nil && p.ops.SubflowPriority != nil {
		p.ops.SubflowPriority(d.sup, ev)
	}
}

// ListenerCreated/ListenerClosed dispatch directly to the named
// plugin, bypassing token stickiness (spec.md §4.7: "carry an explicit
// name and dispatch directly").
func (d *Dispatcher) ListenerCreated(ev ListenerEvent) {
	d.mu.Lock()
	p := d.byName[ev.Name]
	d.mu.Unlock()
	if p != nil && p.ops.ListenerCreated != nil {
		p.ops.ListenerCreated(d.sup, ev)
	}
}

func (d *Dispatcher) ListenerClosed(ev ListenerEvent) {
	d.mu.Lock()
	p := d.byName[ev.Name]
	d.mu.Unlock()
	if p != nil && p.ops.ListenerClosed != nil {
		p.ops.ListenerClosed(d.sup, ev)
	}
}

func (d *Dispatcher) broadcast(run func(*registeredPlugin)) {
	d.mu.Lock()
	plugins := append([]*registeredPlugin(nil), d.plugins...)
	d.mu.Unlock()
	for _, p := range plugins {
		run(p)
	}
}

// NewInterface, UpdateInterface, and DeleteInterface broadcast to
// every registered plugin in priority order (spec.md §4.7 "Network-
// event dispatch ... is a broadcast to every registered plugin").
func (d *Dispatcher) NewInterface(iface *netmon.NetworkInterface) {
	d.broadcast(func(p *registeredPlugin) {
		if p.ops.NewInterface != nil {
			p.ops.NewInterface(d.sup, iface)
		}
	})
}

func (d *Dispatcher) UpdateInterface(iface *netmon.NetworkInterface) {
	d.broadcast(func(p *registeredPlugin) {
		if p.ops.UpdateInterface != nil {
			p.ops.UpdateInterface(d.sup, iface)
		}
	})
}

func (d *Dispatcher) DeleteInterface(iface *netmon.NetworkInterface) {
	d.broadcast(func(p *registeredPlugin) {
		if p.ops.DeleteInterface != nil {
			p.ops.DeleteInterface(d.sup, iface)
		}
	})
}

func (d *Dispatcher) NewLocalAddress(ep endpoint.Endpoint) {
	d.broadcast(func(p *registeredPlugin) {
		if p.ops.NewLocalAddress != nil {
			p.ops.NewLocalAddress(d.sup, ep)
		}
	})
}

func (d *Dispatcher) DeleteLocalAddress(ep endpoint.Endpoint) {
	d.broadcast(func(p *registeredPlugin) {
		if p.ops.DeleteLocalAddress != nil {
			p.ops.DeleteLocalAddress(d.sup, ep)
		}
	})
}

// Plugins returns the registered plugin descriptors in priority order, for
// introspection (spec.md §6: "expose ... plugin names/priorities").
func (d *Dispatcher) Plugins() []Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Descriptor, 0, len(d.plugins))
	for _, p := range d.plugins {
		out = append(out, p.desc)
	}
	return out
}
