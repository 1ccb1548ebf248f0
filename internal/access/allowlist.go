// Package access decides which CONNECT targets the proxy may dial.
package access

import "slices"

// Allowlist permits a target only when it equals one of its entries byte for
// byte. There is no case folding, trailing-dot or default-port
// normalization, and no wildcard or prefix matching.
type Allowlist struct {
	servers []string
}

// New returns an Allowlist over a copy of allowed, keeping its order.
func New(allowed []string) *Allowlist {
	return &Allowlist{servers: append([]string(nil), allowed...)}
}

// Allowed reports whether target is on the list.
func (a *Allowlist) Allowed(target string) bool {
	return slices.Contains(a.servers, target)
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	return len(a.servers)
}
