// Package socks5 wraps the SOCKS5 protocol types in github.com/txthinking/socks5
// with the handful of handshakes the proxy needs.
//
// The client side reaches CONNECT targets through a parent SOCKS5 proxy. The
// server side is a minimal no-auth or username/password responder, enough to
// stand in for a parent proxy.
package socks5
