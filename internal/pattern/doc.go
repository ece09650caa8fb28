// Package pattern compiles userscript URL match patterns.
//
// A match pattern is a glob over scheme, host, and path, e.g.
// "https://example.com/*" or "*://*.wikipedia.org/wiki/*". Matching is
// pure: compiling the same pattern twice yields matchers with identical
// behavior, and combining patterns with OR is order-independent.
package pattern
