// ABOUTME: Parsing of L402 payment challenges and authorization headers
// ABOUTME: Accepts both the L402 and legacy LSAT schemes and macaroon or token parameters

package l402

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoChallenge is returned when a 402 response carries no usable L402 challenge.
var ErrNoChallenge = errors.New("no L402 challenge in response")

// Challenge is the macaroon and invoice a server issues with HTTP 402.
type Challenge struct {
	Scheme   string // "L402" or "LSAT"
	Macaroon string
	Invoice  string
}

var challengeParam = regexp.MustCompile(`([A-Za-z_]+)\s*=\s*"([^"]*)"`)

// ParseChallenge extracts the first L402 (or LSAT) challenge from the
// WWW-Authenticate header values.
func ParseChallenge(headers []string) (Challenge, error) {
	for _, h := range headers {
		for _, part := range splitSchemes(h) {
			scheme, params, ok := strings.Cut(strings.TrimSpace(part), " ")
			if !ok {
				continue
			}
			scheme = strings.ToUpper(scheme)
			if scheme != "L402" && scheme != "LSAT" {
				continue
			}

			c := Challenge{Scheme: scheme}
			for _, m := range challengeParam.FindAllStringSubmatch(params, -1) {
				switch strings.ToLower(m[1]) {
				case "macaroon", "token":
					c.Macaroon = m[2]
				case "invoice":
					c.Invoice = m[2]
				}
			}
			if c.Macaroon != "" && c.Invoice != "" {
				return c, nil
			}
		}
	}
	return Challenge{}, ErrNoChallenge
}

// splitSchemes separates a header that lists several challenges, e.g.
// `LSAT macaroon="a", invoice="b", L402 macaroon="a", invoice="b"`.
var schemeStart = regexp.MustCompile(`(?i)(?:^|,\s*)(L402|LSAT)\s`)

func splitSchemes(h string) []string {
	idx := schemeStart.FindAllStringSubmatchIndex(h, -1)
	if len(idx) == 0 {
		return []string{h}
	}
	parts := make([]string, 0, len(idx))
	for i, loc := range idx {
		start := loc[2]
		end := len(h)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		parts = append(parts, h[start:end])
	}
	return parts
}

// AuthorizationHeader formats the header value presenting a paid credential.
func AuthorizationHeader(macaroon, preimage string) string {
	return "L402 " + macaroon + ":" + preimage
}
