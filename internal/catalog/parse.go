package catalog

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/warp-endpoint-scanner/internal/types"
)

// ParseEndpoint accepts "a.b.c.d:port" with decimal octets in [0,255]
// and a port in [1,65535]. Surrounding spaces and leading zeros are
// accepted; the result is in canonical form, so "010.0.0.1:080" and
// "10.0.0.1:80" are the same endpoint.
func ParseEndpoint(raw string) (types.Endpoint, error) {
	s := strings.TrimSpace(raw)
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(portStr, ":") {
		return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: want ip:port", raw)
	}

	octets := strings.Split(host, ".")
	if len(octets) != 4 {
		return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: want 4 octets, got %d", raw, len(octets))
	}

	var addr [4]byte
	for i, o := range octets {
		if o == "" || len(o) > 3 || !isDigits(o) {
			return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: bad octet %q", raw, o)
		}
		n, _ := strconv.Atoi(o)
		if n > 255 {
			return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: octet %d out of range", raw, n)
		}
		addr[i] = byte(n)
	}

	if portStr == "" || !isDigits(portStr) {
		return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", raw, portStr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return types.Endpoint{}, fmt.Errorf("invalid endpoint %q: port out of range", raw)
	}

	return types.NewEndpoint(netip.AddrFrom4(addr), uint16(port)), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
