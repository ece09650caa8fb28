package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCode = `;; ---
;; name: wiki_helper
;; description: Adds shortcuts to wiki pages.
;; match:
;;   - https://example.com/wiki/*
;;   - https://docs.example.com/*
;; run-at: document-start
;; ---
(js/console.log "hello")
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(sampleCode)
	require.NoError(t, err)
	assert.Equal(t, "wiki_helper", m.Name)
	assert.Equal(t, "Adds shortcuts to wiki pages.", m.Description)
	assert.Equal(t, []string{"https://example.com/wiki/*", "https://docs.example.com/*"}, m.Match)
	assert.Equal(t, "document-start", m.RunAt)
}

func TestParseManifestAbsentBlock(t *testing.T) {
	m, err := ParseManifest(`(js/console.log "no metadata")`)
	require.NoError(t, err)
	assert.Equal(t, Manifest{}, m)
}

func TestParseManifestLeadingBlankLines(t *testing.T) {
	m, err := ParseManifest("\n\n;; ---\n;; name: padded\n;; ---\n(+ 1 2)")
	require.NoError(t, err)
	assert.Equal(t, "padded", m.Name)
}

func TestParseManifestMalformed(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"unterminated", ";; ---\n;; name: x\n(+ 1 2)"},
		{"non-comment line inside block", ";; ---\n;; name: x\n(+ 1 2)\n;; ---"},
		{"bad yaml", ";; ---\n;; name: [unclosed\n;; ---"},
		{"unknown run-at", ";; ---\n;; run-at: document-sometime\n;; ---"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(tt.code)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestParseManifestAbsentKeysReset(t *testing.T) {
	// A manifest that drops keys yields zero values for them; the store
	// treats that as an explicit reset.
	m, err := ParseManifest(";; ---\n;; name: minimal\n;; ---\n(+ 1 2)")
	require.NoError(t, err)
	assert.Empty(t, m.Match)
	assert.Empty(t, m.RunAt)
	assert.Empty(t, m.Description)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Cool Script", "my_cool_script.cljs"},
		{"already_fine.cljs", "already_fine.cljs"},
		{"Spaced -- Out", "spaced_out.cljs"},
		{"  trailing  ", "trailing.cljs"},
		{"dotted.name.txt", "dotted.name.txt"},
		{"___", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestRewriteManifestName(t *testing.T) {
	out := rewriteManifestName(sampleCode, "renamed.cljs")
	assert.Contains(t, out, ";; name: renamed.cljs")
	assert.NotContains(t, out, "wiki_helper")

	m, err := ParseManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "renamed.cljs", m.Name)
	// Only the name line changes.
	assert.Equal(t, strings.Count(sampleCode, "\n"), strings.Count(out, "\n"))

	plain := "(js/console.log 1)"
	assert.Equal(t, plain, rewriteManifestName(plain, "x.cljs"))
}
