package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a compiled URL match pattern. Patterns take the form
// scheme://host/path where each part may contain * wildcards, or the
// single pattern "*" which matches every URL. A * matches any run of
// characters, including separators.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// Compile parses and compiles a match pattern.
func Compile(raw string) (*Pattern, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty match pattern")
	}

	if trimmed == "*" {
		return &Pattern{raw: trimmed, re: regexp.MustCompile(`^.*$`)}, nil
	}

	scheme, rest, ok := strings.Cut(trimmed, "://")
	if !ok {
		return nil, fmt.Errorf("match pattern %q missing scheme separator", raw)
	}
	if scheme == "" {
		return nil, fmt.Errorf("match pattern %q has empty scheme", raw)
	}

	host, path, ok := strings.Cut(rest, "/")
	if host == "" {
		return nil, fmt.Errorf("match pattern %q has empty host", raw)
	}
	if !ok {
		// No path component: match any path on the host.
		path = "*"
	}

	var b strings.Builder
	b.WriteString("^")
	b.WriteString(globToRegexp(scheme))
	b.WriteString("://")
	b.WriteString(globToRegexp(host))
	if path == "*" {
		// A bare wildcard path also matches a URL with no path at all.
		b.WriteString("(/.*)?")
	} else {
		b.WriteString("/")
		b.WriteString(globToRegexp(path))
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("match pattern %q: %w", raw, err)
	}
	return &Pattern{raw: trimmed, re: re}, nil
}

// MustCompile is like Compile but panics on error. For tests and
// static patterns only.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the URL matches the pattern. Any fragment is
// ignored; the query string participates in path matching.
func (p *Pattern) Matches(url string) bool {
	if frag := strings.IndexByte(url, '#'); frag >= 0 {
		url = url[:frag]
	}
	return p.re.MatchString(url)
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// Valid reports whether raw compiles as a match pattern.
func Valid(raw string) bool {
	_, err := Compile(raw)
	return err == nil
}

// MatchesAny reports whether any pattern in the set matches the URL.
// Invalid patterns in the set are ignored. The result is independent
// of pattern order.
func MatchesAny(patterns []string, url string) bool {
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			continue
		}
		if p.Matches(url) {
			return true
		}
	}
	return false
}

// globToRegexp converts a glob fragment to an anchored-free regexp
// fragment. * matches any run of characters; everything else is
// matched literally.
func globToRegexp(glob string) string {
	parts := strings.Split(glob, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return strings.Join(parts, ".*")
}
