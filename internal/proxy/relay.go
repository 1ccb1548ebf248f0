package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Stats counts bytes written to each side of a tunnel.
type Stats struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// RelayFunc copies bytes between client and upstream until the session ends.
// Implementations close both connections before returning.
type RelayFunc func(ctx context.Context, client, upstream net.Conn, pool *BufferPool) (Stats, error)

const (
	sideClient = iota
	sideUpstream
)

var sideNames = [2]string{"client", "upstream"}

type readResult struct {
	side int
	n    int
	err  error
}

// Relay ferries bytes between client and upstream in a single loop.
//
// Both sides are read concurrently into their own buffer and whichever
// produces data first is serviced. A chunk is written in full to the other
// side before its source is read again, so at most two buffers of data are
// in flight. End of stream on either side ends the whole session with a nil
// error; there is no half-close. Any other read or write error is returned.
//
// A slow write stalls servicing of the opposite direction too.
func Relay(ctx context.Context, client, upstream net.Conn, pool *BufferPool) (Stats, error) {
	conns := [2]net.Conn{client, upstream}

	var (
		stats   Stats
		bufs    [2][]byte
		acks    [2]chan struct{}
		wg      sync.WaitGroup
		results = make(chan readResult)
		done    = make(chan struct{})
	)

	for i := range conns {
		bufs[i] = pool.Get()
		acks[i] = make(chan struct{})
		wg.Go(func() {
			readLoop(i, conns[i], bufs[i], results, acks[i], done)
		})
	}

	// Cancellation also unblocks a write that is stuck on a slow peer.
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})

	defer func() {
		stop()
		close(done)
		_ = client.Close()
		_ = upstream.Close()
		wg.Wait()
		pool.Put(bufs[sideClient])
		pool.Put(bufs[sideUpstream])
	}()

	for {
		var r readResult
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case r = <-results:
		}

		if r.n > 0 {
			dst := 1 - r.side
			if _, err := conns[dst].Write(bufs[r.side][:r.n]); err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				return stats, fmt.Errorf("write %s: %w", sideNames[dst], err)
			}
			if r.side == sideClient {
				stats.ClientToUpstream += int64(r.n)
			} else {
				stats.UpstreamToClient += int64(r.n)
			}
		}

		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return stats, nil
			}
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, fmt.Errorf("read %s: %w", sideNames[r.side], r.err)
		}

		// The reader is parked until this, so buf is ours until now.
		acks[r.side] <- struct{}{}
	}
}

// readLoop reads src into buf and reports each read, then waits for ack
// before reusing buf. It stops after the first error or once done closes.
func readLoop(side int, src io.Reader, buf []byte, results chan<- readResult, ack <-chan struct{}, done <-chan struct{}) {
	for {
		n, err := src.Read(buf)
		select {
		case results <- readResult{side: side, n: n, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-ack:
		case <-done:
			return
		}
	}
}
