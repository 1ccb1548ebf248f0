package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RelaySplit copies each direction in its own goroutine, so a stalled
// writer on one side never blocks the other direction.
//
// The session still ends as a whole: when either direction finishes, both
// connections are closed and the first direction's error is returned. A
// clean end of stream is a nil error.
func RelaySplit(ctx context.Context, client, upstream net.Conn, pool *BufferPool) (Stats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock Copy.
	stop := context.AfterFunc(ctx, closeBoth)

	var (
		stats  Stats
		first  sync.Once
		result error
		g      errgroup.Group
	)

	pipe := func(dst, src net.Conn, n *int64) func() error {
		return func() error {
			buf := pool.Get()
			defer pool.Put(buf)

			c, err := io.CopyBuffer(dst, src, buf)
			*n = c
			first.Do(func() { result = err })
			closeBoth()
			return nil
		}
	}

	g.Go(pipe(upstream, client, &stats.ClientToUpstream))
	g.Go(pipe(client, upstream, &stats.UpstreamToClient))
	_ = g.Wait()

	if !stop() {
		return stats, ctx.Err()
	}
	return stats, result
}
