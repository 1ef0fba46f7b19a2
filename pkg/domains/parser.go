package domains

import (
	"context"
	"net"
	"net/url"
	"strings"
)

// Parser resolves a caller-supplied domain string to its canonical host form.
// An empty result signals rejection; the caller maps that to a validation
// failure. The error return is reserved for parsers with remote dependencies.
type Parser interface {
	Resolve(ctx context.Context, domain string, strict bool) (string, error)
}

// NormalizeParser is the default Parser: lowercases, strips scheme, port and
// path, and in strict mode requires a dotted hostname.
type NormalizeParser struct{}

func (NormalizeParser) Resolve(_ context.Context, domain string, strict bool) (string, error) {
	host := normalizeHost(domain)
	if host == "" {
		return "", nil
	}
	if strict && !strings.Contains(host, ".") {
		return "", nil
	}
	return host, nil
}

func normalizeHost(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	} else if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Reject anything that is not a plausible hostname label sequence.
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return ""
		}
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return ""
	}
	return s
}
