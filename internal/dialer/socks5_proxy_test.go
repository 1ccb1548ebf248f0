package dialer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/connect-proxy/internal/socks5"
	"github.com/die-net/connect-proxy/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			up := testutil.StartTarget(t, ctx, func(c net.Conn) {
				_ = handleSOCKS5Connect(ctx, c, socks5.Auth{Username: tt.user, Password: tt.pass})
			})

			f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, up.Addr(), tt.user, tt.pass)
			if err != nil {
				t.Fatal(err)
			}

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			_ = conn.Close()

			up.Close()
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Accepts and then never answers the negotiation.
	up := testutil.StartTarget(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, up.Addr(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer dialCancel()

	if _, err := f.DialContext(dialCtx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatalf("expected error")
	}

	up.Close()
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	up := testutil.StartTarget(t, ctx, func(c net.Conn) {
		if err := socks5.ServerNegotiate(c, socks5.Auth{}); err != nil {
			return
		}
		if _, err := socks5.ServerReadRequest(c); err != nil {
			return
		}
		socks5.WriteConnectionRefusedReply(c)
	})

	f, err := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, up.Addr(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatalf("expected error")
	}

	up.Close()
}

func handleSOCKS5Connect(ctx context.Context, c net.Conn, auth socks5.Auth) error {
	if err := socks5.ServerNegotiate(c, auth); err != nil {
		return err
	}

	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return err
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		socks5.WriteConnectionRefusedReply(c)
		return nil
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}
