package introspect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mptcp-tools/mptcpd/internal/config"
	"github.com/mptcp-tools/mptcpd/internal/pathmgr"
)

func testManager(t *testing.T) *pathmgr.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	return pathmgr.New(cfg)
}

func TestHandleStatusReportsNotReadyBeforeDialectResolves(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got statusDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Ready {
		t.Errorf("Ready = true, want false before Start")
	}
	if got.Dialect != "none" {
		t.Errorf("Dialect = %q, want %q", got.Dialect, "none")
	}
}

func TestHandleInterfacesReturnsEmptyListBeforeStart(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/interfaces", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "null" {
		t.Errorf("body = %q, want null (no interfaces tracked yet)", rec.Body.String())
	}
}

func TestHandleAddAddrFailsNotReadyWhenDialectUnresolved(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := strings.NewReader(`{"addr":"192.0.2.10","port":4242,"flags":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/addrs", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleAddAddrRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/addrs", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRemoveAddrRejectsMissingQueryParams(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodDelete, "/v1/addrs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSetLimitsRejectsUnknownType(t *testing.T) {
	t.Parallel()

	h := NewHandler(testManager(t), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	body := strings.NewReader(`{"limits":[{"type":"bogus","value":3}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/limits", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDecodeSubflowRequestRejectsInvalidAddr(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/subflows",
		strings.NewReader(`{"token":1,"local_addr":"0.0.0.0","local_port":1,"remote_addr":"198.51.100.1","remote_port":2}`))
	_, _, _, err := decodeSubflowRequest(req)
	if err == nil {
		t.Fatal("decodeSubflowRequest returned nil error for unspecified local_addr, want error")
	}
}

func TestLimitTypeRoundTrip(t *testing.T) {
	t.Parallel()

	for name := range map[string]struct{}{"rcv_add_addrs": {}, "subflows": {}} {
		typ, err := limitTypeFromName(name)
		if err != nil {
			t.Fatalf("limitTypeFromName(%q): %v", name, err)
		}
		if got := limitTypeName(typ); got != name {
			t.Errorf("limitTypeName(limitTypeFromName(%q)) = %q, want %q", name, got, name)
		}
	}

	if _, err := limitTypeFromName("bogus"); err == nil {
		t.Error("limitTypeFromName(bogus) returned nil error, want error")
	}
}
