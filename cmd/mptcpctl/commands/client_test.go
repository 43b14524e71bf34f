package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientStatusDecodesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/status" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(statusDTO{Dialect: "upstream", Ready: true})
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	got, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Dialect != "upstream" || !got.Ready {
		t.Errorf("Status = %+v, want {Dialect: upstream, Ready: true}", got)
	}
}

func TestClientDoSurfacesNonOKStatusAsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "path manager not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	_, err := c.Status(context.Background())
	if err == nil {
		t.Fatal("Status returned nil error for a 503 response, want error")
	}
}

func TestClientAddAddrSendsExpectedBody(t *testing.T) {
	t.Parallel()

	var gotBody addAddrRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/addrs" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	addr := netip.MustParseAddr("192.0.2.10")
	err := c.AddAddr(context.Background(), addAddrRequest{Addr: addr, Port: 4242, ID: 3})
	if err != nil {
		t.Fatalf("AddAddr: %v", err)
	}
	if gotBody.Addr != addr || gotBody.Port != 4242 || gotBody.ID != 3 {
		t.Errorf("server observed body = %+v, want addr=%s port=4242 id=3", gotBody, addr)
	}
}

func TestClientRemoveAddrEncodesQueryParams(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "7" || r.URL.Query().Get("token") != "42" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	if err := c.RemoveAddr(context.Background(), 7, 42); err != nil {
		t.Fatalf("RemoveAddr: %v", err)
	}
}
