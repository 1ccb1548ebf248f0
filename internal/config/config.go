package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is where the proxy looks for its configuration when no
// --config flag is given.
const DefaultPath = "./http_proxy_config.toml"

// Relay modes.
const (
	RelayCombined = "combined"
	RelaySplit    = "split"
)

const (
	defaultRelayBufferSize = 2048
	defaultUpstream        = "direct://"
	defaultTCPKeepAlive    = "on"
)

// Config is the proxy configuration. It is loaded once at startup and must
// not be modified afterwards; handlers share it by pointer.
type Config struct {
	// LocalAddr is the IP address of the local interface to listen on.
	LocalAddr netip.Addr `toml:"local_addr"`
	// LocalPort is the TCP port to bind to.
	LocalPort uint16 `toml:"local_port"`
	// AllowedServers is the list of host:port targets a client may CONNECT to.
	AllowedServers []string `toml:"allowed_servers"`
	// UseTLS enables TLS on the client<->proxy leg.
	UseTLS bool `toml:"use_tls"`
	// CertChain is a PEM file holding the TLS certificate chain.
	CertChain string `toml:"cert_chain"`
	// PrivateKey is a PEM file holding exactly one private key.
	PrivateKey string `toml:"private_key"`

	MaxConnections     int      `toml:"max_connections"`
	RelayMode          string   `toml:"relay_mode"`
	RelayBufferSize    int      `toml:"relay_buffer_size"`
	Upstream           string   `toml:"upstream"`
	DialTimeout        Duration `toml:"dial_timeout"`
	NegotiationTimeout Duration `toml:"negotiation_timeout"`
	TCPKeepAlive       string   `toml:"tcp_keepalive"`
	ReusePort          bool     `toml:"reuse_port"`
}

// Duration is a time.Duration that decodes from a TOML string such as "10s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return errors.New("must be >= 0")
	}
	*d = Duration(v)
	return nil
}

// Load reads and validates the TOML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a TOML configuration. Unknown keys are an
// error so that a misspelled allowed_servers can't silently deny everything.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RelayMode == "" {
		c.RelayMode = RelayCombined
	}
	if c.RelayBufferSize == 0 {
		c.RelayBufferSize = defaultRelayBufferSize
	}
	if c.Upstream == "" {
		c.Upstream = defaultUpstream
	}
	if c.TCPKeepAlive == "" {
		c.TCPKeepAlive = defaultTCPKeepAlive
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if !c.LocalAddr.IsValid() {
		return errors.New("invalid config: local_addr is required")
	}
	if c.UseTLS {
		if _, _, err := c.CertFilenames(); err != nil {
			return fmt.Errorf("invalid config: use_tls: %w", err)
		}
	}
	switch c.RelayMode {
	case RelayCombined, RelaySplit:
	default:
		return fmt.Errorf("invalid config: relay_mode: unknown mode %q", c.RelayMode)
	}
	if c.MaxConnections < 0 {
		return errors.New("invalid config: max_connections: must be >= 0")
	}
	if c.RelayBufferSize <= 0 {
		return errors.New("invalid config: relay_buffer_size: must be > 0")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid config: tcp_keepalive: %w", err)
	}
	return nil
}

// ListenAddr returns local_addr and local_port joined as host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.LocalAddr.String(), strconv.Itoa(int(c.LocalPort)))
}

// CertFilenames returns the certificate chain and private key paths, or an
// error if either is unset.
func (c *Config) CertFilenames() (string, string, error) {
	if c.CertChain == "" || c.PrivateKey == "" {
		return "", "", errors.New("missing cert_chain or private_key filename")
	}
	return c.CertChain, c.PrivateKey, nil
}

// KeepAlive returns the parsed tcp_keepalive setting. Validate has already
// rejected unparseable values.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}
