package approval

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/pattern"
	"github.com/PEZ/epupp-sub009/internal/script"
)

// Pending is one approval awaiting an explicit user decision. It
// exists only while the script is enabled, the pattern is declared but
// unapproved, and the pattern matched an attempted navigation.
type Pending struct {
	ScriptID string `json:"scriptId"`
	Pattern  string `json:"pattern"`
	TabID    int    `json:"tabId"`
}

// Gate is the security state machine deciding which (script, pattern)
// pairs may auto-execute. The only transition to approved is Approve,
// reached exclusively from explicit user action.
type Gate struct {
	store *script.Store
	log   *logging.Logger

	mu      sync.Mutex
	pending []Pending
}

// NewGate creates a gate bound to the store. The gate re-prunes its
// pending set on every store change.
func NewGate(store *script.Store, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.NewNop()
	}
	g := &Gate{store: store, log: log}
	store.Subscribe(g.Prune)
	return g
}

// CanAutoRun reports whether the script may auto-execute on the URL:
// the script is enabled and some declared pattern both matches the URL
// and has been approved. Approval is per exact pattern string, never a
// blanket grant.
func CanAutoRun(sc *script.Script, url string) bool {
	if !sc.Enabled {
		return false
	}
	for _, p := range sc.MatchPatterns {
		if !sc.Approved(p) {
			continue
		}
		compiled, err := pattern.Compile(p)
		if err != nil {
			continue
		}
		if compiled.Matches(url) {
			return true
		}
	}
	return false
}

// NotePending records that an enabled script's declared-but-unapproved
// pattern matched an attempted navigation. Duplicate notes collapse.
func (g *Gate) NotePending(sc *script.Script, patternStr string, tabID int) {
	if !sc.Enabled || !sc.Declares(patternStr) || sc.Approved(patternStr) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pending {
		if p.ScriptID == sc.ID && p.Pattern == patternStr && p.TabID == tabID {
			return
		}
	}
	g.pending = append(g.pending, Pending{ScriptID: sc.ID, Pattern: patternStr, TabID: tabID})
	g.log.Info("Approval pending",
		zap.String("script", sc.Name),
		zap.String("pattern", patternStr),
		zap.Int("tab", tabID))
}

// Pending returns the current pending set.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, len(g.pending))
	copy(out, g.pending)
	return out
}

// Approve grants one exact (script, pattern) approval. Call only from
// an explicit user decision surface.
func (g *Gate) Approve(ctx context.Context, scriptID, patternStr string) error {
	if err := g.store.Approve(ctx, scriptID, patternStr); err != nil {
		return err
	}
	// Store notification already pruned the matching pending entries.
	return nil
}

// Revoke removes one exact (script, pattern) approval.
func (g *Gate) Revoke(ctx context.Context, scriptID, patternStr string) error {
	return g.store.Revoke(ctx, scriptID, patternStr)
}

// Prune drops pending entries whose preconditions no longer hold. Safe
// to call at any time; it recomputes from current store state.
func (g *Gate) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.pending[:0]
	for _, p := range g.pending {
		sc, err := g.store.GetByID(p.ScriptID)
		if err != nil {
			continue
		}
		if !sc.Enabled || !sc.Declares(p.Pattern) || sc.Approved(p.Pattern) {
			continue
		}
		kept = append(kept, p)
	}
	g.pending = kept
}
