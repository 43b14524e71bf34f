package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
)

// apiClient talks to mptcpd's JSON introspection/administration surface
// (internal/introspect) over plain HTTP, the companion-CLI counterpart
// to the ConnectRPC client gobfdctl used against gobfd.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{httpClient: http.DefaultClient, baseURL: baseURL}
}

// -------------------------------------------------------------------------
// wire types, mirroring internal/introspect's DTOs field-for-field
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

// -------------------------------------------------------------------------
// requests
// -------------------------------------------------------------------------

func (c *apiClient) Status(ctx context.Context) (statusDTO, error) {
	var out statusDTO
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *apiClient) Interfaces(ctx context.Context) ([]interfaceDTO, error) {
	var out []interfaceDTO
	err := c.do(ctx, http.MethodGet, "/v1/interfaces", nil, &out)
	return out, err
}

func (c *apiClient) Plugins(ctx context.Context) ([]pluginDTO, error) {
	var out []pluginDTO
	err := c.do(ctx, http.MethodGet, "/v1/plugins", nil, &out)
	return out, err
}

func (c *apiClient) DumpAddrs(ctx context.Context) ([]addressInfoDTO, error) {
	var out []addressInfoDTO
	err := c.do(ctx, http.MethodGet, "/v1/addrs", nil, &out)
	return out, err
}

func (c *apiClient) AddAddr(ctx context.Context, req addAddrRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/addrs", req, nil)
}

func (c *apiClient) RemoveAddr(ctx context.Context, id uint8, token uint32) error {
	q := url.Values{}
	q.Set("id", fmt.Sprintf("%d", id))
	q.Set("token", fmt.Sprintf("%d", token))
	return c.do(ctx, http.MethodDelete, "/v1/addrs?"+q.Encode(), nil, nil)
}

func (c *apiClient) GetLimits(ctx context.Context) ([]limitDTO, error) {
	var out []limitDTO
	err := c.do(ctx, http.MethodGet, "/v1/limits", nil, &out)
	return out, err
}

func (c *apiClient) SetLimits(ctx context.Context, limits []limitDTO) error {
	return c.do(ctx, http.MethodPost, "/v1/limits", setLimitsRequest{Limits: limits}, nil)
}

func (c *apiClient) AddSubflow(ctx context.Context, req subflowRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/subflows", req, nil)
}

func (c *apiClient) RemoveSubflow(ctx context.Context, req subflowRequest) error {
	return c.do(ctx, http.MethodDelete, "/v1/subflows", req, nil)
}

func (c *apiClient) SetBackup(ctx context.Context, req subflowRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/subflows/backup", req, nil)
}

// do issues an HTTP request against the daemon's introspection surface,
// JSON-encoding body when non-nil and JSON-decoding the response into out
// when non-nil. A non-2xx response is surfaced as an error carrying the
// response body text, since the daemon writes plain-text error messages
// via http.Error.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}
