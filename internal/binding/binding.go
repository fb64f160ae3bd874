package binding

import (
	"errors"
	"fmt"

	"github.com/warp-endpoint-scanner/internal/types"
)

const MaxPort = 65535

var ErrPortRangeExceeded = errors.New("local port range exceeded")

// Table is the fixed endpoint -> local port mapping for one scan.
// It is never modified after Assign returns.
type Table struct {
	bindings   []types.ProxyBinding
	byEndpoint map[types.Endpoint]int
}

// Assign binds the i-th endpoint to basePort+i
func Assign(endpoints []types.Endpoint, basePort int) (*Table, error) {
	if basePort < 1 || basePort > MaxPort {
		return nil, fmt.Errorf("%w: base port %d outside 1-%d", ErrPortRangeExceeded, basePort, MaxPort)
	}
	if last := basePort + len(endpoints) - 1; last > MaxPort {
		return nil, fmt.Errorf("%w: %d endpoints from base port %d need ports up to %d (max %d)",
			ErrPortRangeExceeded, len(endpoints), basePort, last, MaxPort)
	}

	t := &Table{
		bindings:   make([]types.ProxyBinding, len(endpoints)),
		byEndpoint: make(map[types.Endpoint]int, len(endpoints)),
	}
	for i, ep := range endpoints {
		if _, dup := t.byEndpoint[ep]; dup {
			return nil, fmt.Errorf("duplicate endpoint %s", ep)
		}
		t.bindings[i] = types.ProxyBinding{
			Index:     i,
			Endpoint:  ep,
			LocalPort: basePort + i,
		}
		t.byEndpoint[ep] = i
	}

	return t, nil
}

// Bindings returns a copy of the bindings in assignment order
func (t *Table) Bindings() []types.ProxyBinding {
	out := make([]types.ProxyBinding, len(t.bindings))
	copy(out, t.bindings)
	return out
}

// Lookup finds the binding assigned to ep
func (t *Table) Lookup(ep types.Endpoint) (types.ProxyBinding, bool) {
	i, ok := t.byEndpoint[ep]
	if !ok {
		return types.ProxyBinding{}, false
	}
	return t.bindings[i], true
}

// ProxyAddrs lists host:port for every local inbound
func (t *Table) ProxyAddrs(host string) []string {
	addrs := make([]string, len(t.bindings))
	for i, b := range t.bindings {
		addrs[i] = b.ProxyAddr(host)
	}
	return addrs
}
