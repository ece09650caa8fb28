package tunnel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/logging"
)

// Bridge is the per-tab relay in the restricted script context. It
// forwards page envelopes up to the relay and relay envelopes down to
// the page, re-tagging the source at each hop, and pings the relay on
// a fixed interval so idle-process recycling cannot reap it mid-
// session. Pings never cross the tunnel.
type Bridge struct {
	page      *Page
	runtime   *Bus
	keepalive time.Duration
	log       *logging.Logger

	pageSub    *Subscription
	runtimeSub *Subscription
	cancel     context.CancelFunc
}

// InjectBridge initializes a bridge in the page's context. Injection
// is idempotent: if the page already carries the bridge sentinel the
// call is a no-op and returns false.
func InjectBridge(ctx context.Context, page *Page, runtime *Bus, keepalive time.Duration, log *logging.Logger) (*Bridge, bool) {
	if log == nil {
		log = logging.NewNop()
	}
	if !page.claimBridge() {
		log.Debug("Bridge already initialized; skipping", zap.Int("tab", page.TabID()))
		return nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		page:       page,
		runtime:    runtime,
		keepalive:  keepalive,
		log:        log,
		pageSub:    page.Bus().Subscribe(),
		runtimeSub: runtime.Subscribe(),
		cancel:     cancel,
	}

	go b.forwardUp(runCtx)
	go b.forwardDown(runCtx)
	go b.keepaliveLoop(runCtx)

	// Announce immediately; for a tab that held a session before a
	// reload, the relay reestablishes it on this ping.
	runtime.Publish(Envelope{
		Source: SourceBridge,
		TabID:  page.TabID(),
		Type:   TypePing,
	})

	log.Debug("Bridge initialized", zap.Int("tab", page.TabID()))
	return b, true
}

// Stop tears the bridge down and clears the page sentinel.
func (b *Bridge) Stop() {
	b.cancel()
	b.pageSub.Cancel()
	b.runtimeSub.Cancel()
	b.page.releaseBridge()
}

// forwardUp relays page-world envelopes to the relay. The bridge
// stamps its own tab id, so a page cannot speak for another tab.
func (b *Bridge) forwardUp(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.pageSub.C():
			if !ok {
				return
			}
			if env.Source != SourcePage {
				continue
			}
			env.Source = SourceBridge
			env.TabID = b.page.TabID()
			b.runtime.Publish(env)
		}
	}
}

// forwardDown relays relay envelopes for this tab into the page world.
func (b *Bridge) forwardDown(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.runtimeSub.C():
			if !ok {
				return
			}
			if env.Source != SourceRelay || env.TabID != b.page.TabID() {
				continue
			}
			env.Source = SourceBridge
			b.page.Bus().Publish(env)
		}
	}
}

// keepaliveLoop pings the relay on a fixed interval. The ping stays on
// the runtime bus; it is never forwarded upstream or into the page.
func (b *Bridge) keepaliveLoop(ctx context.Context) {
	if b.keepalive <= 0 {
		return
	}
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runtime.Publish(Envelope{
				Source: SourceBridge,
				TabID:  b.page.TabID(),
				Type:   TypePing,
			})
		}
	}
}
