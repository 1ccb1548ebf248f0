package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/connect-proxy/internal/access"
	"github.com/die-net/connect-proxy/internal/certs"
	"github.com/die-net/connect-proxy/internal/config"
	"github.com/die-net/connect-proxy/internal/dialer"
	"github.com/die-net/connect-proxy/internal/metrics"
	"github.com/die-net/connect-proxy/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.String("config", config.DefaultPath, "Path to the TOML configuration file")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		logFormat   = pflag.String("log-format", "console", "Log output format: console|json")
		verbose     = pflag.Bool("verbose", false, "Enable per-connection logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger, err := newLogger(os.Stderr, *logFormat, *verbose)
	if err != nil {
		return fmt.Errorf("invalid --log-format: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.UseTLS {
		certPath, keyPath, err := cfg.CertFilenames()
		if err != nil {
			return err
		}
		tlsConfig, err = certs.NewServerTLSConfig(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	ka := cfg.KeepAlive()
	d, err := dialer.New(dialer.Config{
		DialTimeout:        time.Duration(cfg.DialTimeout),
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		KeepAlive:          ka,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	relay := proxy.Relay
	if cfg.RelayMode == config.RelaySplit {
		relay = proxy.RelaySplit
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	allowlist := access.New(cfg.AllowedServers)
	if allowlist.Len() == 0 {
		logger.Warn().Msg("allowed_servers is empty; every CONNECT will be denied")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.ListenAddr(), ka, cfg.ReusePort)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(ctx, proxy.Config{
		Allowlist:          allowlist,
		Dialer:             d,
		TLSConfig:          tlsConfig,
		Relay:              relay,
		RelayBufferSize:    cfg.RelayBufferSize,
		MaxConnections:     cfg.MaxConnections,
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		Logger:             logger,
		Metrics:            metrics.New(reg),
		Verbose:            *verbose,
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", cfg.UseTLS).
		Int("allowed_servers", allowlist.Len()).
		Str("upstream", cfg.Upstream).
		Str("relay_mode", cfg.RelayMode).
		Msg("listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info().Msg("shutting down")
	_ = srv.Close()
	return err
}

func newLogger(w io.Writer, format string, verbose bool) (zerolog.Logger, error) {
	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown format %q", format)
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
