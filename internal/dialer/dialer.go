package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
//
// For schemes that require a host, a default port is applied if the URL host is
// missing a port.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	if u.Scheme == "" {
		return nil, errors.New("invalid url: missing scheme")
	}
	if u.Scheme == "direct" {
		return NewDirectDialer(cfg)
	}

	p, ok := parentProxies[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), p.defaultPort)
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	return p.build(cfg, u, user, pass)
}

// parentProxy describes an upstream URL scheme that tunnels through another
// proxy.
type parentProxy struct {
	defaultPort string
	build       func(cfg Config, u *url.URL, user, pass string) (Dialer, error)
}

var parentProxies = map[string]parentProxy{
	"http":   {defaultPort: "80", build: NewHTTPProxyDialer},
	"https":  {defaultPort: "443", build: NewHTTPProxyDialer},
	"socks5": {defaultPort: "1080", build: socks5FromURL},
}

func socks5FromURL(cfg Config, u *url.URL, user, pass string) (Dialer, error) {
	return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass)
}
