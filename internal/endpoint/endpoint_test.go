package endpoint

import (
	"net/netip"
	"testing"
)

func mustEndpoint(t *testing.T, addr string, port uint16) Endpoint {
	t.Helper()
	ep, err := New(netip.MustParseAddr(addr), port)
	if err != nil {
		t.Fatalf("New(%s, %d): %v", addr, port, err)
	}
	return ep
}

func TestFamily(t *testing.T) {
	v4 := mustEndpoint(t, "192.0.2.5", 80)
	if fam, _ := v4.Family(); fam != FamilyV4 {
		t.Fatalf("expected v4, got %v", fam)
	}
	if v4.Size() != 4 {
		t.Fatalf("expected size 4, got %d", v4.Size())
	}

	v6 := mustEndpoint(t, "2001:db8::1", 80)
	if fam, _ := v6.Family(); fam != FamilyV6 {
		t.Fatalf("expected v6, got %v", fam)
	}
	if v6.Size() != 16 {
		t.Fatalf("expected size 16, got %d", v6.Size())
	}
}

func TestInvalidFamily(t *testing.T) {
	var zero Endpoint
	if _, err := zero.Family(); err == nil {
		t.Fatal("expected error for zero-value endpoint")
	}
}

func TestIsUnbound(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"::", true},
		{"192.0.2.5", false},
		{"2001:db8::1", false},
	}
	for _, tc := range cases {
		ep := mustEndpoint(t, tc.addr, 0)
		if got := ep.IsUnbound(); got != tc.want {
			t.Errorf("IsUnbound(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestEqualAndClone(t *testing.T) {
	a := mustEndpoint(t, "192.0.2.5", 443)
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal to original")
	}
	c := mustEndpoint(t, "192.0.2.5", 444)
	if a.Equal(c) {
		t.Fatal("different ports should not be equal")
	}
}

func TestHashDeterministic(t *testing.T) {
	ep := mustEndpoint(t, "192.0.2.5", 80)
	seed := NewSeed()
	h1 := Hash(ep, seed)
	h2 := Hash(ep, seed)
	if h1 != h2 {
		t.Fatalf("hash not deterministic for same seed: %d != %d", h1, h2)
	}

	other := mustEndpoint(t, "192.0.2.5", 81)
	if Hash(other, seed) == h1 {
		t.Fatalf("hash collided for distinct endpoints (flaky but suspicious): %d", h1)
	}
}

func TestKeyClone(t *testing.T) {
	ep := mustEndpoint(t, "192.0.2.5", 80)
	k := NewKey(ep, 42)
	k2 := k.Clone()
	if k.Hash() != k2.Hash() {
		t.Fatal("cloned key should hash identically")
	}
	if !k.Endpoint().Equal(k2.Endpoint()) {
		t.Fatal("cloned key should carry an equal endpoint")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	v4a := mustEndpoint(t, "10.0.0.1", 0)
	v4b := mustEndpoint(t, "10.0.0.2", 0)
	v6 := mustEndpoint(t, "2001:db8::1", 0)

	if Compare(v4a, v4b) >= 0 {
		t.Fatal("10.0.0.1 should sort before 10.0.0.2")
	}
	if Compare(v4a, v4a) != 0 {
		t.Fatal("endpoint should compare equal to itself")
	}
	if Compare(v4a, v6) >= 0 {
		t.Fatal("v4 should sort before v6")
	}
	if Compare(v6, v4a) <= 0 {
		t.Fatal("v6 should sort after v4")
	}
}
