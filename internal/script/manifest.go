package script

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

// Manifest is the declarative metadata a script carries in its own
// source. It is the single source of truth for the script's identity
// and auto-run behavior; an absent key is an explicit reset, never
// "unchanged".
type Manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Match       []string `yaml:"match"`
	RunAt       string   `yaml:"run-at"`
}

// manifestFence delimits the front-matter block.
const manifestFence = ";; ---"

// ParseManifest extracts the front-matter manifest from script source.
// The manifest is a YAML block held in leading comment lines:
//
//	;; ---
//	;; name: Example
//	;; match:
//	;;   - https://example.com/*
//	;; run-at: document-start
//	;; ---
//
// A script without a front-matter block yields a zero Manifest and no
// error. A malformed block is a validation error.
func ParseManifest(code string) (Manifest, error) {
	var m Manifest

	lines := strings.Split(code, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != manifestFence {
		return m, nil
	}

	var body []string
	closed := false
	for j := i + 1; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == manifestFence {
			closed = true
			break
		}
		stripped, ok := strings.CutPrefix(strings.TrimLeft(lines[j], " \t"), ";;")
		if !ok {
			return m, fmt.Errorf("%w: manifest line %d is not a comment", ErrValidation, j+1)
		}
		body = append(body, strings.TrimPrefix(stripped, " "))
	}
	if !closed {
		return m, fmt.Errorf("%w: unterminated manifest block", ErrValidation)
	}

	if err := yaml.Unmarshal([]byte(strings.Join(body, "\n")), &m); err != nil {
		return m, fmt.Errorf("%w: manifest yaml: %v", ErrValidation, err)
	}

	if _, err := ParseRunAt(m.RunAt); err != nil {
		return m, err
	}
	return m, nil
}

// NormalizeName converts a display name to the canonical stored form:
// lowercase, underscore-separated, with a .cljs extension when the name
// carries none.
func NormalizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	lastUnderscore := false
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ', r == '-', r == '_', r == '\t':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	normalized := strings.Trim(b.String(), "_.")
	if normalized == "" {
		return ""
	}
	if !strings.Contains(normalized, ".") {
		normalized += ".cljs"
	}
	return normalized
}

// rewriteManifestName updates the name key inside an existing
// front-matter block so the code stays authoritative after a rename.
// Code without a manifest or without a name key is returned unchanged.
func rewriteManifestName(code, newName string) string {
	lines := strings.Split(code, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != manifestFence {
		return code
	}

	for j := i + 1; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == manifestFence {
			break
		}
		rest, ok := strings.CutPrefix(trimmed, ";;")
		if !ok {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(rest), "name:") {
			lines[j] = ";; name: " + newName
			break
		}
	}
	return strings.Join(lines, "\n")
}
