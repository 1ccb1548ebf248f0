// Package proxy implements the CONNECT proxy's listener and per-connection
// pipeline.
//
// Each accepted connection runs in its own goroutine through the stages
// TLS handshake (optional), CONNECT request, allowlist check, upstream dial,
// and relay. A failure at any stage ends only that connection.
package proxy
