// ABOUTME: Capability identifier normalization and per-session disambiguation
// ABOUTME: Turns entry-point names like FetchResource into fetch_resource

package loader

import (
	"fmt"
	"strings"
	"unicode"
)

// maxSuffix bounds the _N suffixes tried when an identifier is taken.
const maxSuffix = 99

// BootstrapIdentifier names the built-in tool that acquires capabilities.
// It is always taken, so no generated capability can shadow it.
const BootstrapIdentifier = "add_l402_tool"

// Identifier normalizes a function name: camel-case boundaries and whitespace
// become underscores, letters are lowercased, and anything outside [a-z0-9_]
// is dropped. The result may be empty.
func Identifier(name string) string {
	runes := []rune(strings.TrimSpace(name))
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsSpace(r) {
			b.WriteByte('_')
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}

	var out strings.Builder
	lastUnderscore := false
	for _, r := range b.String() {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				out.WriteRune(r)
			}
			lastUnderscore = true
		}
	}
	return strings.Trim(out.String(), "_")
}

// UniqueIdentifier returns id, or id with the smallest _N suffix (N >= 2) not in
// existing and not BootstrapIdentifier. ErrDuplicateIdentifier is returned when
// every suffix up to 99 is taken.
func UniqueIdentifier(id string, existing []string) (string, error) {
	taken := make(map[string]bool, len(existing)+1)
	taken[BootstrapIdentifier] = true
	for _, e := range existing {
		taken[e] = true
	}
	if !taken[id] {
		return id, nil
	}
	for n := 2; n <= maxSuffix; n++ {
		candidate := fmt.Sprintf("%s_%d", id, n)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
}
