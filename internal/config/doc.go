// Package config loads the proxy's TOML configuration file.
//
// The resulting Config is immutable once Load returns and is shared read-only
// by every connection handler.
package config
