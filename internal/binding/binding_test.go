package binding

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/warp-endpoint-scanner/internal/types"
)

func endpoints(n int) []types.Endpoint {
	eps := make([]types.Endpoint, n)
	for i := range eps {
		eps[i] = types.NewEndpoint(netip.AddrFrom4([4]byte{10, 0, byte(i / 256), byte(i % 256)}), 2408)
	}
	return eps
}

func TestAssignIsInjectiveAndContiguous(t *testing.T) {
	eps := endpoints(300)
	table, err := Assign(eps, 10800)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	seen := make(map[int]bool)
	for i, b := range table.Bindings() {
		if b.LocalPort != 10800+i {
			t.Fatalf("binding %d port = %d, want %d", i, b.LocalPort, 10800+i)
		}
		if seen[b.LocalPort] {
			t.Fatalf("port %d assigned twice", b.LocalPort)
		}
		seen[b.LocalPort] = true
		if b.Endpoint != eps[i] {
			t.Fatalf("binding %d endpoint = %s, want %s", i, b.Endpoint, eps[i])
		}
	}

	got, ok := table.Lookup(eps[42])
	if !ok || got.LocalPort != 10842 {
		t.Fatalf("Lookup = %+v, %v", got, ok)
	}
	if got.Tag() != "43" {
		t.Fatalf("Tag = %s, want 43", got.Tag())
	}
	if addr := got.ProxyAddr("127.0.0.1"); addr != "127.0.0.1:10842" {
		t.Fatalf("ProxyAddr = %s", addr)
	}
}

func TestAssignRangeExceeded(t *testing.T) {
	cases := []struct {
		name string
		n    int
		base int
		ok   bool
	}{
		{"fits exactly", 10, 65526, true},
		{"one over", 11, 65526, false},
		{"zero base", 1, 0, false},
		{"empty", 0, 65535, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assign(endpoints(tc.n), tc.base)
			if tc.ok && err != nil {
				t.Fatalf("Assign error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrPortRangeExceeded) {
				t.Fatalf("err = %v, want ErrPortRangeExceeded", err)
			}
		})
	}
}

func TestBindingsReturnsCopy(t *testing.T) {
	table, err := Assign(endpoints(2), 20000)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	b := table.Bindings()
	b[0].LocalPort = 1
	if table.Bindings()[0].LocalPort != 20000 {
		t.Fatal("table mutated through returned slice")
	}
}

func TestAssignRejectsDuplicates(t *testing.T) {
	eps := endpoints(2)
	if _, err := Assign([]types.Endpoint{eps[0], eps[1], eps[0]}, 20000); err == nil {
		t.Fatal("expected duplicate endpoint error")
	}
}
