package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// newSOCKS5Transport routes requests through a local SOCKS5 inbound
func newSOCKS5Transport(proxyAddr string, timeout time.Duration) (*http.Transport, error) {
	forward := &net.Dialer{Timeout: timeout}

	// Create SOCKS5 dialer with no authentication
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dialer error: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}

	return &http.Transport{
		Proxy:       nil,
		DialContext: dialContext,
	}, nil
}
