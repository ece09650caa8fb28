package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/approval"
	"github.com/PEZ/epupp-sub009/internal/browser"
	"github.com/PEZ/epupp-sub009/internal/interp"
	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/monitoring"
	"github.com/PEZ/epupp-sub009/internal/pattern"
	"github.com/PEZ/epupp-sub009/internal/script"
)

// worldTag is the execution world registrations target: the page's own
// world, not the isolated one.
const worldTag = "MAIN"

// regKey identifies one desired (script, pattern) registration.
type regKey struct {
	scriptID string
	pattern  string
	runAt    string
}

// Scheduler decides, per stored script, whether and when to get it
// running. Early-timing scripts get persistent pre-load registrations,
// reconciled by full diff against the desired set whenever the store
// or approvals change. Idle scripts are injected reactively on
// navigation-complete.
type Scheduler struct {
	store    *script.Store
	gate     *approval.Gate
	registry browser.ScriptRegistry
	injector browser.Injector
	nav      browser.Navigation
	log      *logging.Logger
	metrics  *monitoring.Metrics

	callTimeout time.Duration

	mu             sync.Mutex
	degraded       bool
	degradedLogged bool

	kick   chan struct{}
	cancel context.CancelFunc
}

// New creates a scheduler. Metrics may be nil.
func New(store *script.Store, gate *approval.Gate, registry browser.ScriptRegistry, injector browser.Injector, nav browser.Navigation, callTimeout time.Duration, log *logging.Logger, metrics *monitoring.Metrics) *Scheduler {
	if log == nil {
		log = logging.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Scheduler{
		store:       store,
		gate:        gate,
		registry:    registry,
		injector:    injector,
		nav:         nav,
		log:         log,
		metrics:     metrics,
		callTimeout: callTimeout,
		kick:        make(chan struct{}, 1),
	}
}

// Start performs an initial registration sync and begins reacting to
// store changes and navigation events.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.store.Subscribe(func() {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	})

	if err := s.Sync(runCtx); err != nil {
		cancel()
		return err
	}
	go s.run(runCtx)
	return nil
}

// Stop ends the scheduler's background work.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Degraded reports whether the platform lacks persistent early
// registration and every script runs with idle timing instead. The
// condition is surfaced here and in the logs, never silently
// substituted.
func (s *Scheduler) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if err := s.Sync(ctx); err != nil {
				s.log.Error("Registration sync failed", zap.Error(err))
			}
		case ev, ok := <-s.nav.Completed():
			if !ok {
				return
			}
			s.handleNavigation(ctx, ev)
		}
	}
}

// Sync reconciles platform registrations with the desired set derived
// from current scripts and approvals. It always recomputes from
// authoritative state and applies the diff: missing pairs are added,
// stale ones removed, unchanged ones untouched. Running it twice with
// no intervening change performs zero operations on the second run.
func (s *Scheduler) Sync(ctx context.Context) error {
	if !s.registry.Persistent() {
		s.mu.Lock()
		s.degraded = true
		logIt := !s.degradedLogged
		s.degradedLogged = true
		s.mu.Unlock()
		if logIt {
			s.log.Warn("Platform lacks persistent early registration; all scripts fall back to idle timing")
		}
		return nil
	}

	desired := make(map[regKey]script.Script)
	for _, sc := range s.store.List() {
		if !sc.Enabled || !sc.Timing.Early() {
			continue
		}
		for _, p := range sc.ApprovedPatterns {
			desired[regKey{scriptID: sc.ID, pattern: p, runAt: sc.Timing.RunAt()}] = sc
		}
	}

	registered, err := s.registry.ListRegistered(ctx)
	if err != nil {
		return err
	}
	current := make(map[regKey]browser.Registration)
	for _, reg := range registered {
		key, ok := keyOf(reg)
		if !ok {
			continue
		}
		current[key] = reg
	}

	for key, reg := range current {
		// A pair stays registered only while wanted and textually
		// unchanged; a re-saved script re-registers with fresh code.
		if sc, want := desired[key]; want && sc.Code == reg.Sources[1].Code {
			continue
		}
		if err := s.registry.Unregister(ctx, reg.ID); err != nil {
			s.log.Warn("Failed to remove stale registration",
				zap.String("script", key.scriptID), zap.String("pattern", key.pattern), zap.Error(err))
			continue
		}
		s.countOp("remove")
	}

	for key, sc := range desired {
		if reg, have := current[key]; have && reg.Sources[1].Code == sc.Code {
			continue
		}
		reg := browser.Registration{
			Patterns:   []string{key.pattern},
			RunAt:      key.runAt,
			World:      worldTag,
			Persistent: true,
			// The interpreter bootstrap is ordered immediately before
			// the user script; same-document execution order makes the
			// runtime ready before user code runs.
			Sources: []browser.ScriptSource{
				interp.Bootstrap(),
				{ID: sc.ID, Code: sc.Code},
			},
		}
		if _, err := s.registry.Register(ctx, reg); err != nil {
			// A rejected pattern skips this pair; the batch continues.
			s.log.Warn("Registration rejected",
				zap.String("script", sc.Name), zap.String("pattern", key.pattern), zap.Error(err))
			continue
		}
		s.countOp("add")
	}

	s.updatePendingGauge()
	return nil
}

// handleNavigation triggers reactive injection for idle scripts whose
// approved patterns match the completed navigation, and records
// pending approvals for matching unapproved patterns. In degraded mode
// every timing injects reactively.
func (s *Scheduler) handleNavigation(ctx context.Context, ev browser.NavigationEvent) {
	degraded := s.Degraded()

	for _, sc := range s.store.List() {
		if !sc.Enabled {
			continue
		}
		injected := false
		for _, p := range sc.MatchPatterns {
			compiled, err := pattern.Compile(p)
			if err != nil || !compiled.Matches(ev.URL) {
				continue
			}
			if !sc.Approved(p) {
				s.gate.NotePending(&sc, p, ev.TabID)
				continue
			}
			if injected {
				continue
			}
			if !sc.Timing.Early() || degraded {
				s.inject(ctx, ev.TabID, &sc)
				injected = true
			}
		}
	}

	s.updatePendingGauge()
}

func (s *Scheduler) inject(ctx context.Context, tabID int, sc *script.Script) {
	injectCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	sources := []browser.ScriptSource{
		interp.Bootstrap(),
		{ID: sc.ID, Code: sc.Code},
	}
	if err := s.injector.Execute(injectCtx, tabID, sources); err != nil {
		s.log.Warn("Reactive injection failed",
			zap.String("script", sc.Name), zap.Int("tab", tabID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.Injections.WithLabelValues(string(sc.Timing)).Inc()
	}
	s.log.Debug("Injected script", zap.String("script", sc.Name), zap.Int("tab", tabID))
}

func (s *Scheduler) countOp(op string) {
	if s.metrics != nil {
		s.metrics.RegistrationOps.WithLabelValues(op).Inc()
	}
}

func (s *Scheduler) updatePendingGauge() {
	if s.metrics != nil {
		s.metrics.ApprovalsPending.Set(float64(len(s.gate.Pending())))
	}
}

// keyOf recovers the desired-set key from a listed registration.
// Registrations not created by this scheduler are left alone.
func keyOf(reg browser.Registration) (regKey, bool) {
	if len(reg.Sources) != 2 || reg.Sources[0].ID != interp.BootstrapID {
		return regKey{}, false
	}
	if len(reg.Patterns) != 1 {
		return regKey{}, false
	}
	return regKey{
		scriptID: reg.Sources[1].ID,
		pattern:  reg.Patterns[0],
		runAt:    reg.RunAt,
	}, true
}
