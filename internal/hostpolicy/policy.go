// ABOUTME: Host allowlist matching shared by the descriptor resolver and the L402 transport
// ABOUTME: Patterns are doublestar globs matched against lowercase host names without port

package hostpolicy

import (
	"fmt"
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy decides which hosts outbound requests may reach.
// A nil or empty Policy allows every host.
type Policy struct {
	patterns []string
}

// New validates the glob patterns and returns a Policy.
func New(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid host pattern %q", raw)
		}
		p.patterns = append(p.patterns, pattern)
	}
	return p, nil
}

// Allows reports whether host (with or without a port) matches the policy.
func (p *Policy) Allows(host string) bool {
	if p == nil || len(p.patterns) == 0 {
		return true
	}
	name := strings.ToLower(StripPort(host))
	for _, pattern := range p.patterns {
		// Host names use dots, so treat them as path separators for ** semantics.
		ok, err := doublestar.Match(strings.ReplaceAll(pattern, ".", "/"), strings.ReplaceAll(name, ".", "/"))
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (p *Policy) Patterns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.patterns...)
}

// IsLoopback reports whether host names the local machine: "localhost",
// any "*.localhost" name, or a loopback IP literal.
func IsLoopback(host string) bool {
	name := strings.ToLower(StripPort(host))
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(name, "[]"))
	return ip != nil && ip.IsLoopback()
}

// StripPort removes a trailing :port from host, keeping IPv6 literals intact.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}
