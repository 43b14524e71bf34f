// Package introspect serves a small read/administration JSON surface
// over the supervisor: resolved dialect and readiness, tracked
// interfaces and addresses, loaded plugins, the kernel address dump,
// and the limits and address/subflow mutation operations mptcpctl
// needs. It registers onto the same net/http.ServeMux the Prometheus
// metrics handler already listens on in cmd/mptcpd, rather than
// opening a second listener.
//
// This replaces the ConnectRPC surface the teacher served over gRPC:
// there is no generated service here to adapt (no .proto, no stubs in
// the retrieval pack), so this package talks plain JSON instead of
// fabricating a protobuf layer.
package introspect

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
	"github.com/mptcp-tools/mptcpd/internal/netmon"
	"github.com/mptcp-tools/mptcpd/internal/pathmgr"
	"github.com/mptcp-tools/mptcpd/internal/pm"
)

// Handler serves the introspection routes. A zero Handler is not
// usable; build one with NewHandler.
type Handler struct {
	mgr    *pathmgr.Manager
	logger *slog.Logger
}

// NewHandler binds a Handler to mgr. It does not start anything; call
// Register to attach routes to a mux.
func NewHandler(mgr *pathmgr.Manager, logger *slog.Logger) *Handler {
	return &Handler{mgr: mgr, logger: logger}
}

// Register attaches every introspection route to mux, using Go's
// method-qualified ServeMux patterns the way a single-binary daemon
// with one internal mux is expected to.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/interfaces", h.handleInterfaces)
	mux.HandleFunc("GET /v1/plugins", h.handlePlugins)
	mux.HandleFunc("GET /v1/addrs", h.handleDumpAddrs)
	mux.HandleFunc("POST /v1/addrs", h.handleAddAddr)
	mux.HandleFunc("DELETE /v1/addrs", h.handleRemoveAddr)
	mux.HandleFunc("GET /v1/limits", h.handleGetLimits)
	mux.HandleFunc("POST /v1/limits", h.handleSetLimits)
	mux.HandleFunc("POST /v1/subflows", h.handleAddSubflow)
	mux.HandleFunc("DELETE /v1/subflows", h.handleRemoveSubflow)
	mux.HandleFunc("POST /v1/subflows/backup", h.handleSetBackup)
}

// -------------------------------------------------------------------------
// wire types
// -------------------------------------------------------------------------

type pluginDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

type statusDTO struct {
	Dialect           string      `json:"dialect"`
	Ready             bool        `json:"ready"`
	Plugins           []pluginDTO `json:"plugins"`
	TrackedInterfaces int         `json:"tracked_interfaces"`
	TrackedAddresses  int         `json:"tracked_addresses"`
	AllocatedIDs      int         `json:"allocated_ids"`
	OpenListeners     int         `json:"open_listeners"`
}

type addressRecordDTO struct {
	Addr  netip.Addr `json:"addr"`
	Port  uint16     `json:"port"`
	Scope uint8      `json:"scope"`
}

type interfaceDTO struct {
	Index int32              `json:"index"`
	Name  string             `json:"name"`
	Flags uint32             `json:"flags"`
	Addrs []addressRecordDTO `json:"addrs"`
}

type addressInfoDTO struct {
	Addr    netip.Addr `json:"addr"`
	Port    uint16     `json:"port"`
	ID      uint8      `json:"id"`
	Flags   uint32     `json:"flags"`
	IfIndex int32      `json:"if_index"`
}

type addAddrRequest struct {
	Addr    netip.Addr `json:"addr"`
	Port    uint16     `json:"port"`
	ID      uint8      `json:"id"`
	Flags   uint32     `json:"flags"`
	IfIndex int32      `json:"if_index"`
	Token   uint32     `json:"token"`
}

type limitDTO struct {
	Type  string `json:"type"`
	Value uint32 `json:"value"`
}

type setLimitsRequest struct {
	Limits []limitDTO `json:"limits"`
}

type subflowRequest struct {
	Token      uint32     `json:"token"`
	LocalID    uint8      `json:"local_id"`
	RemoteID   uint8      `json:"remote_id"`
	LocalAddr  netip.Addr `json:"local_addr"`
	LocalPort  uint16     `json:"local_port"`
	RemoteAddr netip.Addr `json:"remote_addr"`
	RemotePort uint16     `json:"remote_port"`
	Backup     bool       `json:"backup"`
}

func limitTypeFromName(name string) (pm.LimitType, error) {
	switch name {
	case "rcv_add_addrs":
		return pm.LimitRcvAddAddrs, nil
	case "subflows":
		return pm.LimitSubflows, nil
	default:
		return 0, fmt.Errorf("introspect: unknown limit type %q", name)
	}
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

// -------------------------------------------------------------------------
// handlers
// -------------------------------------------------------------------------

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	descs := h.mgr.Dispatcher().Plugins()
	plugins := make([]pluginDTO, 0, len(descs))
	for _, d := range descs {
		plugins = append(plugins, pluginDTO{Name: d.Name, Description: d.Description, Priority: d.Priority})
	}

	tracked := 0
	addrs := 0
	h.mgr.Monitor().ForeachInterface(func(iface *netmon.NetworkInterface) {
		tracked++
		addrs += len(iface.Addrs)
	})

	dialect := h.mgr.Dialect()
	writeJSON(w, http.StatusOK, statusDTO{
		Dialect:           dialect.String(),
		Ready:             dialect != pm.TagNone,
		Plugins:           plugins,
		TrackedInterfaces: tracked,
		TrackedAddresses:  addrs,
		AllocatedIDs:      h.mgr.IDs().Len(),
		OpenListeners:     h.mgr.Listeners().Len(),
	})
}

func (h *Handler) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	var ifaces []interfaceDTO
	h.mgr.Monitor().ForeachInterface(func(iface *netmon.NetworkInterface) {
		addrs := make([]addressRecordDTO, 0, len(iface.Addrs))
		for _, rec := range iface.Addrs {
			addrs = append(addrs, addressRecordDTO{
				Addr:  rec.Endpoint.Addr,
				Port:  rec.Endpoint.Port,
				Scope: uint8(rec.Scope),
			})
		}
		ifaces = append(ifaces, interfaceDTO{
			Index: iface.Index,
			Name:  iface.Name,
			Flags: iface.Flags,
			Addrs: addrs,
		})
	})
	writeJSON(w, http.StatusOK, ifaces)
}

func (h *Handler) handlePlugins(w http.ResponseWriter, r *http.Request) {
	descs := h.mgr.Dispatcher().Plugins()
	out := make([]pluginDTO, 0, len(descs))
	for _, d := range descs {
		out = append(out, pluginDTO{Name: d.Name, Description: d.Description, Priority: d.Priority})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDumpAddrs(w http.ResponseWriter, r *http.Request) {
	var out []addressInfoDTO
	err := h.mgr.DumpAddrs(r.Context(), func(info pm.AddressInfo) {
		out = append(out, addressInfoDTO{
			Addr:    info.Endpoint.Addr,
			Port:    info.Endpoint.Port,
			ID:      info.ID,
			Flags:   uint32(info.Flags),
			IfIndex: info.IfIndex,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddAddr(w http.ResponseWriter, r *http.Request) {
	var req addAddrRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ep, err := endpoint.New(req.Addr, req.Port)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.mgr.AddAddr(ep, req.ID, pm.AddrFlags(req.Flags), req.IfIndex, req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveAddr(w http.ResponseWriter, r *http.Request) {
	id, token, err := parseIDToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.mgr.RemoveAddr(id, token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	var out []limitDTO
	err := h.mgr.GetLimits(r.Context(), func(limits []pm.Limit) {
		for _, l := range limits {
			out = append(out, limitDTO{Type: limitTypeName(l.Type), Value: l.Value})
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req setLimitsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limits := make([]pm.Limit, 0, len(req.Limits))
	for _, l := range req.Limits {
		t, err := limitTypeFromName(l.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limits = append(limits, pm.Limit{Type: t, Value: l.Value})
	}
	if err := h.mgr.SetLimits(r.Context(), limits); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddSubflow(w http.ResponseWriter, r *http.Request) {
	local, remote, req, err := decodeSubflowRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.mgr.AddSubflow(req.Token, req.LocalID, req.RemoteID, local, remote, req.Backup); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveSubflow(w http.ResponseWriter, r *http.Request) {
	local, remote, req, err := decodeSubflowRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.mgr.RemoveSubflow(req.Token, local, remote); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetBackup(w http.ResponseWriter, r *http.Request) {
	local, remote, req, err := decodeSubflowRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.mgr.SetBackup(req.Token, local, remote, req.Backup); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeSubflowRequest(r *http.Request) (local, remote endpoint.Endpoint, req subflowRequest, err error) {
	if err = decodeJSON(r, &req); err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, req, err
	}
	local, err = endpoint.New(req.LocalAddr, req.LocalPort)
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, req, fmt.Errorf("local_addr: %w", err)
	}
	remote, err = endpoint.New(req.RemoteAddr, req.RemotePort)
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, req, fmt.Errorf("remote_addr: %w", err)
	}
	return local, remote, req, nil
}

func parseIDToken(r *http.Request) (id uint8, token uint32, err error) {
	q := r.URL.Query()
	idVal, err := strconv.ParseUint(q.Get("id"), 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("id: %w", err)
	}
	tokenVal, err := strconv.ParseUint(q.Get("token"), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("token: %w", err)
	}
	return uint8(idVal), uint32(tokenVal), nil
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("introspect: decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a PathManager sentinel error to an HTTP status code,
// the way an introspection surface for an operator-facing CLI should:
// "not ready yet" and "bad request" are distinct from "the kernel
// rejected this", reachable via errors.Is rather than string matching.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pathmgr.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pm.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, pm.ErrInvalidSubflow), errors.Is(err, pm.ErrEmptyLimits):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
