package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/connect-proxy/internal/dialer"
	"github.com/die-net/connect-proxy/internal/httpconnect"
	"github.com/die-net/connect-proxy/internal/metrics"
)

// ErrTargetNotAllowed is returned for a CONNECT target that isn't on the
// allowlist.
var ErrTargetNotAllowed = errors.New("disallowed host")

// Allower decides whether a CONNECT target may be dialed.
type Allower interface {
	Allowed(target string) bool
}

// Config holds the collaborators and limits a Server runs with.
type Config struct {
	Allowlist Allower
	Dialer    dialer.Dialer

	// TLSConfig enables TLS termination when non-nil.
	TLSConfig *tls.Config

	// Relay defaults to Relay.
	Relay           RelayFunc
	RelayBufferSize int

	// MaxConnections bounds concurrently handled connections. Zero means no
	// limit.
	MaxConnections int

	// NegotiationTimeout bounds the TLS handshake plus reading the CONNECT
	// request. Zero means no limit.
	NegotiationTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Verbose logs per-connection failures at warn instead of debug.
	Verbose bool
}

// Server accepts client connections and runs each through the CONNECT
// pipeline in its own goroutine.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	pool   *BufferPool
	sem    *semaphore.Weighted
	log    zerolog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
}

// NewServer constructs a Server. Cancelling ctx, or calling Close, stops
// Serve and tears down every in-flight connection.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Relay == nil {
		cfg.Relay = Relay
	}
	if cfg.RelayBufferSize <= 0 {
		cfg.RelayBufferSize = 2048
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	s := &Server{
		cfg:       cfg,
		pool:      NewBufferPool(cfg.RelayBufferSize),
		log:       cfg.Logger,
		listeners: make(map[net.Listener]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return s
}

// Serve accepts connections on ln until ln is closed or the server is shut
// down, in which case it returns nil. A failing connection never stops
// Serve; accept errors are retried with backoff.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		return nil
	}
	defer s.untrackListener(ln)
	stop := context.AfterFunc(s.ctx, func() { _ = ln.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		if err := s.admit(); err != nil {
			return nil
		}

		c, err := ln.Accept()
		if err != nil {
			s.release()
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			s.log.Error().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
			select {
			case <-time.After(tempDelay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		if !s.startConn() {
			_ = c.Close()
			s.release()
			return nil
		}
		s.cfg.Metrics.ConnectionsAccepted.Inc()
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.serveConn(c)
		}()
	}
}

// Close stops accepting, closes every in-flight connection, and waits for
// their goroutines to finish.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// startConn registers a connection goroutine unless Close has begun.
func (s *Server) startConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

// admit blocks until a connection slot is free under MaxConnections.
func (s *Server) admit() error {
	if s.sem == nil {
		return nil
	}
	if s.sem.TryAcquire(1) {
		return nil
	}
	s.cfg.Metrics.AdmissionWaits.Inc()
	return s.sem.Acquire(s.ctx, 1)
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

type session struct {
	log   zerolog.Logger
	stats Stats
}

func (s *Server) serveConn(c net.Conn) {
	m := s.cfg.Metrics
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	sess := &session{log: s.log.With().Str("client", c.RemoteAddr().String()).Logger()}
	sess.log.Debug().Msg("new connection")

	result, err := s.handle(sess, c)

	m.BytesRelayed.WithLabelValues(metrics.DirectionClientToUpstream).Add(float64(sess.stats.ClientToUpstream))
	m.BytesRelayed.WithLabelValues(metrics.DirectionUpstreamToClient).Add(float64(sess.stats.UpstreamToClient))
	m.Connections.WithLabelValues(result).Inc()

	ev := sess.log.Debug()
	if err != nil && (result == metrics.ResultDenied || s.cfg.Verbose) {
		ev = sess.log.Warn()
	}
	ev.Err(err).
		Str("result", result).
		Int64("bytes_up", sess.stats.ClientToUpstream).
		Int64("bytes_down", sess.stats.UpstreamToClient).
		Msg("connection closed")
}

// handle runs the pipeline for one connection and returns the metrics
// result label describing how it ended.
func (s *Server) handle(sess *session, raw net.Conn) (string, error) {
	defer raw.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Shutdown unblocks any read or write on the client.
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	if s.cfg.NegotiationTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	conn := raw
	if s.cfg.TLSConfig != nil {
		tc := tls.Server(raw, s.cfg.TLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			return metrics.ResultTLSFailed, fmt.Errorf("tls handshake: %w", err)
		}
		defer tc.Close()
		conn = tc
	}

	req, err := httpconnect.ReadRequest(conn)
	if err != nil {
		return metrics.ResultBadRequest, err
	}
	sess.log = sess.log.With().Str("target", req.Target).Logger()
	sess.log.Debug().Msg("got CONNECT")

	if s.cfg.NegotiationTimeout > 0 {
		_ = raw.SetDeadline(time.Time{})
	}

	if !s.cfg.Allowlist.Allowed(req.Target) {
		if err := httpconnect.WriteForbidden(conn); err != nil {
			return metrics.ResultDenied, fmt.Errorf("%w: %v", ErrTargetNotAllowed, err)
		}
		return metrics.ResultDenied, ErrTargetNotAllowed
	}

	// Dial failures close the client without a response.
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", req.Target)
	if err != nil {
		return metrics.ResultDialFailed, err
	}
	defer up.Close()

	if err := httpconnect.WriteEstablished(conn); err != nil {
		return metrics.ResultRelayFailed, err
	}
	sess.log.Debug().Msg("remote connection successful, proxy active")

	if len(req.Pending) > 0 {
		if _, err := up.Write(req.Pending); err != nil {
			return metrics.ResultRelayFailed, fmt.Errorf("write upstream: %w", err)
		}
		sess.stats.ClientToUpstream += int64(len(req.Pending))
	}

	stats, err := s.cfg.Relay(ctx, conn, up, s.pool)
	sess.stats.ClientToUpstream += stats.ClientToUpstream
	sess.stats.UpstreamToClient += stats.UpstreamToClient
	if err != nil {
		return metrics.ResultRelayFailed, fmt.Errorf("relay: %w", err)
	}
	return metrics.ResultRelayed, nil
}
