// Package pathmgr implements the supervisor (spec.md §4.8): it wires
// the netlink path-manager dialect driver, the network monitor, the
// address-ID manager, the listener manager, and the policy dispatcher
// into the single PathManager object every plugin callback receives as
// its context (spec.md §3). It watches for the appearance of the MPTCP
// generic-netlink family, resolves the dialect once the family shows
// up, joins its connection-lifecycle multicast groups and feeds
// decoded notifications to the policy dispatcher, and tears every
// component down in reverse wiring order.
//
// Grounded on internal/bfd/manager.go's Manager struct (map+mutex
// state, a dedicated goroutine draining asynchronous notifications,
// ManagerOption functional options, and an ordered Close) and
// cmd/gobfd/main.go's runWatchdog ticker idiom, generalized from a
// fixed-interval watchdog keepalive into a fixed-interval retry of
// pm.Detect while the kernel has not yet registered the genl family.
package pathmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mptcp-tools/mptcpd/internal/config"
	"github.com/mptcp-tools/mptcpd/internal/dispatch"
	"github.com/mptcp-tools/mptcpd/internal/endpoint"
	"github.com/mptcp-tools/mptcpd/internal/idmgr"
	"github.com/mptcp-tools/mptcpd/internal/listener"
	mptcpdmetrics "github.com/mptcp-tools/mptcpd/internal/metrics"
	"github.com/mptcp-tools/mptcpd/internal/netmon"
	"github.com/mptcp-tools/mptcpd/internal/pm"
)

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("pathmgr: already started")

// ErrNotReady is returned by Supervisor methods invoked before the
// genl family has resolved.
var ErrNotReady = pm.ErrNotReady

// detectRetryInterval is how often Start retries pm.Detect while
// waiting for the MPTCP genl family to appear (spec.md §4.8: "watches
// for the appearance of the ... family").
const detectRetryInterval = 2 * time.Second

// Manager is the PathManager: it owns every long-lived path-manager
// component and implements dispatch.Supervisor, the interface plugins
// use to call back into it. A zero Manager is not usable; build one
// with New.
type Manager struct {
	logger  *slog.Logger
	metrics *mptcpdmetrics.Collector

	addrFlags   pm.AddrFlags
	notifyFlags netmon.NotifyFlags
	pluginsCfg  config.PluginsConfig

	seed      uint32
	ids       *idmgr.Manager
	listeners *listener.Manager
	monitor   *netmon.Monitor
	dispatch  *dispatch.Dispatcher

	mu      sync.Mutex
	dialect pm.Dialect
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures optional Manager dependencies at
// construction time, mirroring internal/bfd/manager.go's
// ManagerOption pattern.
type ManagerOption func(*Manager)

// WithMetrics attaches a Prometheus collector; SetTrackedInterfaces,
// IncAddressAnnounced, and friends are no-ops until one is supplied.
func WithMetrics(c *mptcpdmetrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// New builds a Manager from the pathmgr/plugins sections of cfg. The
// network monitor, ID manager, and listener manager are constructed
// immediately and share one endpoint.Key hash seed; the dialect driver
// and plugin registry are wired lazily, during Start, once the genl
// family resolves.
func New(cfg *config.Config, opts ...ManagerOption) *Manager {
	seed := endpoint.NewSeed()

	m := &Manager{
		logger:      slog.Default(),
		addrFlags:   pm.AddrFlags(cfg.PathMgr.AddrFlags),
		notifyFlags: netmon.NotifyFlags(cfg.PathMgr.NotifyFlags),
		pluginsCfg:  cfg.Plugins,
		seed:        seed,
		ids:         idmgr.New(seed),
		listeners:   listener.New(seed),
		monitor:     netmon.New(netmon.NotifyFlags(cfg.PathMgr.NotifyFlags)),
	}
	m.dispatch = dispatch.New(m)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start resolves the dialect (blocking, with retry, until ctx is
// cancelled or the genl family appears), starts the network monitor,
// bridges its Ops into the dispatcher's network-event broadcast,
// subscribes to the dialect's connection-lifecycle multicast groups
// and launches the goroutine that fans decoded events out through the
// dispatcher, and loads the configured plugins. It returns the
// resolved dialect's tag for logging, or an error if ctx is cancelled
// before the family appears.
func (m *Manager) Start(ctx context.Context, plugins []dispatch.Descriptor) (pm.Tag, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return pm.TagNone, ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	dialect, err := m.waitForDialect(ctx)
	if err != nil {
		return pm.TagNone, err
	}

	m.mu.Lock()
	m.dialect = dialect
	m.mu.Unlock()

	m.logger.Info("mptcp path-manager dialect resolved", slog.String("dialect", dialect.Tag().String()))
	if dialect.Tag() == pm.TagMptcpOrg {
		m.warnIfNotNetlinkPathManager()
	}

	if err := m.monitor.RegisterOps(m.bridgeOps()); err != nil {
		dialect.Close()
		return pm.TagNone, fmt.Errorf("pathmgr: register network monitor ops: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	if err := m.monitor.Start(runCtx); err != nil {
		cancel()
		dialect.Close()
		return pm.TagNone, fmt.Errorf("pathmgr: start network monitor: %w", err)
	}

	events, err := dialect.Events(runCtx)
	if err != nil {
		cancel()
		m.monitor.Close()
		dialect.Close()
		return pm.TagNone, fmt.Errorf("pathmgr: subscribe to mptcp genl events: %w", err)
	}
	m.wg.Add(1)
	go m.runEventLoop(events)

	if err := m.loadPlugins(plugins); err != nil {
		m.Close()
		return pm.TagNone, err
	}

	return dialect.Tag(), nil
}

// warnIfNotNetlinkPathManager logs a warning when the mptcp.org dialect
// resolves and mptcp_path_manager names something other than "netlink"
// (spec.md §6.1): in that configuration the in-kernel heuristics and
// this daemon both try to drive subflow creation.
func (m *Manager) warnIfNotNetlinkPathManager() {
	mode, err := pm.PathManagerMode()
	if err != nil {
		m.logger.Debug("unable to read mptcp_path_manager sysctl", slog.String("error", err.Error()))
		return
	}
	if mode != "" && mode != "netlink" {
		m.logger.Warn("mptcp_path_manager is not netlink; in-kernel path management may conflict with this daemon",
			slog.String("mptcp_path_manager", mode))
	}
}

// runEventLoop drains decoded genl connection-lifecycle notifications
// and fans them out through the policy dispatcher (spec.md §4.7, §4.8).
// It returns once events is closed, which happens when Close cancels
// the context the event subscription was made with.
func (m *Manager) runEventLoop(events <-chan pm.Event) {
	defer m.wg.Done()
	for ev := range events {
		m.dispatchEvent(ev)
	}
}

// dispatchEvent translates one decoded kernel notification into the
// corresponding dispatch.Dispatcher call. Events carry no plugin name
// (spec.md §6.1 notifications are kernel-originated, not
// userspace-tagged), so new_connection always falls through to the
// dispatcher's default-plugin resolution.
func (m *Manager) dispatchEvent(ev pm.Event) {
	switch ev.Kind {
	case pm.EventNewConnection:
		m.dispatch.NewConnection("", dispatch.ConnectionEvent{Token: ev.Token, Local: ev.Local, Remote: ev.Remote})
	case pm.EventConnectionEstablished:
		m.dispatch.ConnectionEstablished(dispatch.ConnectionEvent{Token: ev.Token, Local: ev.Local, Remote: ev.Remote})
	case pm.EventConnectionClosed:
		m.dispatch.ConnectionClosed(dispatch.ConnectionEvent{Token: ev.Token, Local: ev.Local, Remote: ev.Remote})
	case pm.EventNewAddr:
		m.dispatch.NewAddress(dispatch.AddressEvent{Token: ev.Token, Info: ev.Addr})
	case pm.EventAddrRemoved:
		m.dispatch.AddressRemoved(dispatch.AddressEvent{Token: ev.Token, Info: ev.Addr})
	case pm.EventNewSubflow:
		m.dispatch.NewSubflow(m.subflowEvent(ev))
	case pm.EventSubflowClosed:
		m.dispatch.SubflowClosed(m.subflowEvent(ev))
	case pm.EventSubflowPriority:
		m.dispatch.SubflowPriority(m.subflowEvent(ev))
	}
}

func (m *Manager) subflowEvent(ev pm.Event) dispatch.SubflowEvent {
	return dispatch.SubflowEvent{
		Token:    ev.Token,
		LocalID:  ev.LocalID,
		RemoteID: ev.RemoteID,
		Local:    ev.Local,
		Remote:   ev.Remote,
		Backup:   ev.Backup,
	}
}

// waitForDialect retries pm.Detect at a fixed interval until it
// succeeds or ctx is done. Detect itself never blocks (spec.md §4.8:
// "it never blocks waiting for the family to appear"); the retry loop
// is the supervisor's contribution.
func (m *Manager) waitForDialect(ctx context.Context) (pm.Dialect, error) {
	if d, err := pm.Detect(); err == nil {
		return d, nil
	}

	ticker := time.NewTicker(detectRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pathmgr: wait for mptcp genl family: %w", ctx.Err())
		case <-ticker.C:
			d, err := pm.Detect()
			if err == nil {
				return d, nil
			}
			m.logger.Debug("mptcp genl family not yet available", slog.String("error", err.Error()))
		}
	}
}

// loadPlugins registers every descriptor named in pluginsCfg.Load, in
// the order the names appear there, marking pluginsCfg.Default as the
// fallback for connection events with no explicit plugin name. Init is
// called with the Manager as Supervisor, already holding a resolved
// dialect, which serves as the registered ready(pm) callback invocation
// spec.md §4.8 describes: a plugin's Init never runs before the
// PathManager is fully wired.
func (m *Manager) loadPlugins(plugins []dispatch.Descriptor) error {
	byName := make(map[string]dispatch.Descriptor, len(plugins))
	for _, p := range plugins {
		byName[p.Name] = p
	}

	for _, name := range m.pluginsCfg.Load {
		desc, ok := byName[name]
		if !ok {
			return fmt.Errorf("pathmgr: load_plugins names unknown plugin %q", name)
		}
		if err := m.dispatch.RegisterPlugin(desc, name == m.pluginsCfg.Default); err != nil {
			return fmt.Errorf("pathmgr: load plugin %q: %w", name, err)
		}
		m.logger.Info("loaded policy plugin", slog.String("name", name), slog.Int("priority", desc.Priority))
	}
	return nil
}

// bridgeOps wires netmon.Ops into the policy dispatcher's broadcast
// network-event methods, and keeps the metrics gauges current. New and
// deleted addresses additionally update the idmgr/dispatcher so
// plugins see NewLocalAddress/DeleteLocalAddress (spec.md §4.7).
func (m *Manager) bridgeOps() netmon.Ops {
	return netmon.Ops{
		NewInterface: func(iface *netmon.NetworkInterface) {
			m.dispatch.NewInterface(iface)
			m.refreshInterfaceMetrics()
		},
		UpdateInterface: func(iface *netmon.NetworkInterface) {
			m.dispatch.UpdateInterface(iface)
		},
		DeleteInterface: func(iface *netmon.NetworkInterface) {
			m.dispatch.DeleteInterface(iface)
			m.refreshInterfaceMetrics()
		},
		NewAddress: func(iface *netmon.NetworkInterface, ep endpoint.Endpoint) {
			m.dispatch.NewLocalAddress(ep)
			if m.metrics != nil {
				m.metrics.SetTrackedAddresses(iface.Name, len(iface.Addrs))
			}
		},
		DeleteAddress: func(iface *netmon.NetworkInterface, ep endpoint.Endpoint) {
			if id, ok := m.ids.RemoveID(ep); ok {
				m.logger.Debug("released address id on interface removal", slog.Uint64("id", uint64(id)))
			}
			m.dispatch.DeleteLocalAddress(ep)
			if m.metrics != nil {
				m.metrics.SetTrackedAddresses(iface.Name, len(iface.Addrs))
			}
		},
	}
}

func (m *Manager) refreshInterfaceMetrics() {
	if m.metrics == nil {
		return
	}
	n := 0
	m.monitor.ForeachInterface(func(*netmon.NetworkInterface) { n++ })
	m.metrics.SetTrackedInterfaces(n)
}

// Dispatcher exposes the policy dispatcher for introspection (plugin
// names/priorities). Kernel connection/subflow/address notifications
// reach it already decoded, through the event-loop goroutine Start
// launches against the resolved dialect's Events channel.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatch }

// Monitor exposes the network monitor for introspection.
func (m *Manager) Monitor() *netmon.Monitor { return m.monitor }

// Listeners exposes the listening-socket pool so the daemon entrypoint
// and introspection surface can open/close listeners on behalf of a
// "signal" address announcement without the policy-dispatcher layer
// needing to know about sockets at all (spec.md §4.4 is a standalone
// component, not part of the plugin Supervisor subset).
func (m *Manager) Listeners() *listener.Manager { return m.listeners }

// IDs exposes the address-ID manager for introspection (spec.md §6:
// "expose ... address ID mappings").
func (m *Manager) IDs() *idmgr.Manager { return m.ids }

// Close tears the supervisor down in the order spec.md §4.8 mandates:
// unload plugins, destroy the network monitor, the ID manager and
// listener manager (both already idle, since every caller is gone),
// then close the dialect's genl handle. The ID manager and listener
// manager have no Close method of their own -- both are plain maps
// with no backing resource beyond the sockets the listener manager's
// own Close(ep) already released -- so "destroying" them here means
// letting go of the Manager's references, consistent with spec.md's
// "owned only by the PathManager" shared-resource policy (§5).
func (m *Manager) Close() error {
	m.dispatch.Unload()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if err := m.monitor.Close(); err != nil {
		m.logger.Warn("network monitor close failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	dialect := m.dialect
	m.dialect = nil
	m.mu.Unlock()

	if dialect != nil {
		if err := dialect.Close(); err != nil {
			return fmt.Errorf("pathmgr: close dialect: %w", err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// dispatch.Supervisor implementation
// -------------------------------------------------------------------------

// Dialect returns the resolved dialect's tag, or pm.TagNone before
// Start completes.
func (m *Manager) Dialect() pm.Tag {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect == nil {
		return pm.TagNone
	}
	return m.dialect.Tag()
}

func (m *Manager) currentDialect() (pm.Dialect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect == nil {
		return nil, ErrNotReady
	}
	return m.dialect, nil
}

// AddAddr allocates (or reuses) an ID for ep via the ID manager when id
// is zero, falls back to the configured default announcement flags
// (spec.md §6.4 addr_flags) when flags is zero, then announces the
// address through the dialect. On success the announced-address metric
// is incremented and the dialect's error counter is incremented by
// kind on failure (spec.md §7).
func (m *Manager) AddAddr(ep endpoint.Endpoint, id uint8, flags pm.AddrFlags, ifIndex int32, token uint32) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}

	if flags == 0 {
		flags = m.addrFlags
	}

	if id == 0 {
		id, err = m.ids.GetID(ep)
		if err != nil {
			m.countDialectError("id_exhausted")
			return fmt.Errorf("pathmgr: add_addr: %w", err)
		}
	}

	if err := dialect.AddAddr(context.Background(), ep, id, flags, ifIndex, token); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: add_addr: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncAddressAnnounced(dialect.Tag().String())
	}
	return nil
}

// RemoveAddr withdraws id through the dialect. It leaves the ID manager
// untouched; an endpoint's ID is released when the network monitor
// reports that address deleted (see bridgeOps).
func (m *Manager) RemoveAddr(id uint8, token uint32) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.RemoveAddr(context.Background(), id, token); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: remove_addr: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncAddressWithdrawn(dialect.Tag().String())
	}
	return nil
}

// AddSubflow requests a new subflow for token between local and
// remote.
func (m *Manager) AddSubflow(token uint32, localID, remoteID uint8, local, remote endpoint.Endpoint, backup bool) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.AddSubflow(context.Background(), token, localID, remoteID, local, remote, backup); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: add_subflow: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncSubflowCreated(dialect.Tag().String())
	}
	return nil
}

// RemoveSubflow tears down the subflow identified by the local/remote
// address pair within token.
func (m *Manager) RemoveSubflow(token uint32, local, remote endpoint.Endpoint) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.RemoveSubflow(context.Background(), token, local, remote); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: remove_subflow: %w", err)
	}
	if m.metrics != nil {
		m.metrics.IncSubflowClosed(dialect.Tag().String())
	}
	return nil
}

// SetBackup toggles the backup priority flag on a subflow.
func (m *Manager) SetBackup(token uint32, local, remote endpoint.Endpoint, backup bool) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.SetBackup(context.Background(), token, local, remote, backup); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: set_backup: %w", err)
	}
	return nil
}

// GetAddr looks up one announced address by ID, invoking cb with its
// AddressInfo once the kernel replies (spec.md §3 get_addr is
// asynchronous).
func (m *Manager) GetAddr(ctx context.Context, id uint8, cb func(pm.AddressInfo)) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.GetAddr(ctx, id, cb); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: get_addr: %w", err)
	}
	return nil
}

// DumpAddrs invokes cb once per address the dialect currently has
// announced.
func (m *Manager) DumpAddrs(ctx context.Context, cb func(pm.AddressInfo)) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.DumpAddrs(ctx, cb); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: dump_addrs: %w", err)
	}
	return nil
}

// FlushAddrs withdraws every address the dialect has announced.
func (m *Manager) FlushAddrs(ctx context.Context) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.FlushAddrs(ctx); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: flush_addrs: %w", err)
	}
	return nil
}

// SetLimits installs the kernel-side receive-address and subflow
// limits. An empty limits slice is rejected by the dialect
// (pm.ErrEmptyLimits, spec.md §3 set_limits EINVAL case).
func (m *Manager) SetLimits(ctx context.Context, limits []pm.Limit) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.SetLimits(ctx, limits); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: set_limits: %w", err)
	}
	if m.metrics != nil {
		for _, l := range limits {
			m.metrics.IncLimitSet(dialect.Tag().String(), limitTypeName(l.Type))
		}
	}
	return nil
}

// GetLimits invokes cb once with the dialect's current limits.
func (m *Manager) GetLimits(ctx context.Context, cb func([]pm.Limit)) error {
	dialect, err := m.currentDialect()
	if err != nil {
		return err
	}
	if err := dialect.GetLimits(ctx, cb); err != nil {
		m.countDialectError(errorKind(err))
		return fmt.Errorf("pathmgr: get_limits: %w", err)
	}
	return nil
}

func limitTypeName(t pm.LimitType) string {
	switch t {
	case pm.LimitRcvAddAddrs:
		return "rcv_add_addrs"
	case pm.LimitSubflows:
		return "subflows"
	default:
		return "unknown"
	}
}

func (m *Manager) countDialectError(kind string) {
	if m.metrics == nil {
		return
	}
	tag := pm.TagNone.String()
	if m.dialect != nil {
		tag = m.dialect.Tag().String()
	}
	m.metrics.IncDialectError(tag, kind)
}

// errorKind classifies a dialect error into the spec.md §7 error-kind
// label used by the DialectErrors metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, pm.ErrNotReady):
		return "not_ready"
	case errors.Is(err, pm.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, pm.ErrInvalidSubflow):
		return "invalid_subflow"
	case errors.Is(err, pm.ErrEmptyLimits):
		return "empty_limits"
	case errors.Is(err, pm.ErrSend):
		return "transient_send"
	default:
		return "other"
	}
}
