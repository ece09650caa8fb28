package script

import (
	"errors"
	"fmt"
	"time"
)

// Timing is the point in the page lifecycle at which a script runs.
type Timing string

const (
	// TimingStart runs before any page script executes.
	TimingStart Timing = "start"
	// TimingEnd runs once the DOM is parsed.
	TimingEnd Timing = "end"
	// TimingIdle runs after the page load completes. The default.
	TimingIdle Timing = "idle"
)

// Early reports whether the timing requires a pre-load registration
// rather than a reactive post-load trigger.
func (t Timing) Early() bool {
	return t == TimingStart || t == TimingEnd
}

// RunAt maps the timing to the platform's run-at vocabulary.
func (t Timing) RunAt() string {
	switch t {
	case TimingStart:
		return "document-start"
	case TimingEnd:
		return "document-end"
	default:
		return "document-idle"
	}
}

// ParseRunAt maps a manifest run-at value to a Timing. An empty value
// defaults to idle.
func ParseRunAt(s string) (Timing, error) {
	switch s {
	case "document-start":
		return TimingStart, nil
	case "document-end":
		return TimingEnd, nil
	case "document-idle", "":
		return TimingIdle, nil
	default:
		return "", fmt.Errorf("%w: unknown run-at %q", ErrValidation, s)
	}
}

// ReservedPrefix marks bundled system scripts. User-created scripts may
// not use it, so naming cannot impersonate a builtin.
const ReservedPrefix = "epupp_"

// Validation and authorization sentinels. Callers match with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("script not found")
	ErrBuiltin       = errors.New("builtin scripts are immutable")
	ErrReservedName  = errors.New("name prefix reserved for bundled scripts")
	ErrDuplicateName = errors.New("script name already in use")
	ErrUnauthorized  = errors.New("not authorized")
)

// Script is one stored code unit. Name, MatchPatterns, Timing, and
// Description are derived from the script's own manifest on every save
// and are never edited independently of the code.
type Script struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Code             string    `json:"code"`
	Description      string    `json:"description,omitempty"`
	MatchPatterns    []string  `json:"matchPatterns,omitempty"`
	Timing           Timing    `json:"timing"`
	Enabled          bool      `json:"enabled"`
	ApprovedPatterns []string  `json:"approvedPatterns,omitempty"`
	Builtin          bool      `json:"builtin,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ModifiedAt       time.Time `json:"modifiedAt"`
}

// Approved reports whether the exact pattern string has been approved
// for this script.
func (s *Script) Approved(patternStr string) bool {
	for _, p := range s.ApprovedPatterns {
		if p == patternStr {
			return true
		}
	}
	return false
}

// Declares reports whether the exact pattern string is in the script's
// declared match list.
func (s *Script) Declares(patternStr string) bool {
	for _, p := range s.MatchPatterns {
		if p == patternStr {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers cannot mutate store state.
func (s *Script) clone() Script {
	cp := *s
	cp.MatchPatterns = append([]string(nil), s.MatchPatterns...)
	cp.ApprovedPatterns = append([]string(nil), s.ApprovedPatterns...)
	return cp
}
