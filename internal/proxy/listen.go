package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP binds addr. Accepted TCP connections get keepAliveConfig. With
// reusePort, SO_REUSEPORT is set so several processes can share the port.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}
	if reusePort {
		lc.Control = setReusePort
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return ln, nil
}
