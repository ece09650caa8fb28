package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"no-scheme-separator",
		"://example.com/*",
		"https:///*",
	} {
		_, err := Compile(raw)
		assert.Error(t, err, "pattern %q should not compile", raw)
		assert.False(t, Valid(raw))
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"exact", "https://example.com/index.html", "https://example.com/index.html", true},
		{"universal", "*", "ftp://anything.at/all", true},
		{"host wildcard", "https://*.example.com/*", "https://docs.example.com/page", true},
		{"host wildcard miss", "https://*.example.com/*", "https://example.org/page", false},
		{"path wildcard", "https://example.com/wiki/*", "https://example.com/wiki/Go", true},
		{"path wildcard crosses separators", "https://example.com/wiki/*", "https://example.com/wiki/a/b/c", true},
		{"path required", "https://example.com/wiki/*", "https://example.com", false},
		{"bare host matches pathless url", "https://example.com", "https://example.com", true},
		{"bare host matches any path", "https://example.com", "https://example.com/anything", true},
		{"scheme wildcard", "*://example.com/*", "http://example.com/x", true},
		{"scheme mismatch", "https://example.com/*", "http://example.com/x", false},
		{"query participates", "https://example.com/search*", "https://example.com/search?q=go", true},
		{"fragment ignored", "https://example.com/page", "https://example.com/page#section-3", true},
		{"no substring match", "https://example.com/a", "https://example.com/ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.url))
		})
	}
}

func TestMatchesIsPure(t *testing.T) {
	p := MustCompile("https://example.com/*")
	for i := 0; i < 3; i++ {
		assert.True(t, p.Matches("https://example.com/repeat"))
		assert.False(t, p.Matches("https://other.com/repeat"))
	}
	assert.Equal(t, "https://example.com/*", p.String())
}

func TestMatchesAnyOrderIndependent(t *testing.T) {
	forward := []string{"https://a.com/*", "bogus", "https://b.com/*"}
	backward := []string{"https://b.com/*", "https://a.com/*", "bogus"}

	for _, url := range []string{"https://a.com/x", "https://b.com/y", "https://c.com/z"} {
		assert.Equal(t, MatchesAny(forward, url), MatchesAny(backward, url), "url %s", url)
	}
	assert.True(t, MatchesAny(forward, "https://b.com/y"))
	assert.False(t, MatchesAny(forward, "https://c.com/z"))
	assert.False(t, MatchesAny(nil, "https://a.com/x"))
}
