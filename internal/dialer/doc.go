// Package dialer provides the outbound dialers used to reach CONNECT targets.
//
// The default is a direct TCP dial with a fresh DNS lookup per call. A
// target may instead be reached through a parent SOCKS5 or HTTP CONNECT
// proxy, selected by URL scheme in New.
package dialer
