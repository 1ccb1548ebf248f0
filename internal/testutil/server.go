package testutil

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// Target is a loopback TCP server standing in for a CONNECT target or a
// parent proxy. It hands at most one connection to its handler.
type Target struct {
	ln       net.Listener
	wg       sync.WaitGroup
	accepted atomic.Bool
}

// StartTarget listens on 127.0.0.1 and runs handler on the first accepted
// connection, closing it when handler returns.
func StartTarget(t *testing.T, ctx context.Context, handler func(net.Conn)) *Target {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Target{ln: ln}
	s.wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Store(true)
		defer c.Close()
		handler(c)
	})

	return s
}

func (s *Target) Addr() string { return s.ln.Addr().String() }

// Accepted reports whether anything connected.
func (s *Target) Accepted() bool { return s.accepted.Load() }

// Close stops listening and waits for the handler to return.
func (s *Target) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}
