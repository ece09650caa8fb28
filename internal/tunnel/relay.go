package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/monitoring"
)

// RelayConfig configures the privileged relay.
type RelayConfig struct {
	// UpstreamHost is the host dialed for upstream sockets.
	UpstreamHost string
	// DefaultPort is used when a connect request carries no port.
	DefaultPort int
	// CallTimeout bounds the upstream dial and every request/reply
	// exchange the relay participates in.
	CallTimeout time.Duration
}

// SyncChange notifies a transfer of the FS-sync privilege. Prev and
// Next are nil when no tab held or holds it.
type SyncChange struct {
	Prev *int
	Next *int
}

// Relay is the long-lived privileged process of the tunnel. It owns
// upstream connections to the external relay endpoint, fans envelopes
// out per visiting tab, tracks which tabs should auto-reconnect after
// a reload, and holds the single FS-sync privilege pointer.
type Relay struct {
	bus     *Bus
	dialer  UpstreamDialer
	cfg     RelayConfig
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	sessions map[int]*relaySession
	// reconnect remembers the upstream port per tab that held a
	// session, so a reloaded tab reestablishes it without user action.
	reconnect map[int]int
	syncTab   *int
	syncSubs  []chan SyncChange

	sub    *Subscription
	cancel context.CancelFunc
}

// relaySession is one tab's upstream connection. The id is a
// generation marker: replies from a superseded session compare ids and
// are dropped rather than delivered to a resurrected object.
type relaySession struct {
	tabID    int
	id       string
	upstream Upstream
	outbox   chan []byte
	cancel   context.CancelFunc
}

// NewRelay creates a relay listening on the runtime bus. Metrics may
// be nil.
func NewRelay(bus *Bus, dialer UpstreamDialer, cfg RelayConfig, log *logging.Logger, metrics *monitoring.Metrics) *Relay {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	return &Relay{
		bus:       bus,
		dialer:    dialer,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		sessions:  make(map[int]*relaySession),
		reconnect: make(map[int]int),
	}
}

// Start begins consuming the runtime bus.
func (r *Relay) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sub = r.bus.Subscribe()
	go r.run(runCtx)
}

// Close shuts the relay down, tearing down every session.
func (r *Relay) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
	r.mu.Lock()
	tabs := make([]int, 0, len(r.sessions))
	for tab := range r.sessions {
		tabs = append(tabs, tab)
	}
	r.mu.Unlock()
	for _, tab := range tabs {
		r.teardown(tab, false)
	}
}

func (r *Relay) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-r.sub.C():
			if !ok {
				return
			}
			if env.Source != SourceBridge {
				continue
			}
			r.countMessage(env.Type, "up")
			switch env.Type {
			case TypeConnect:
				r.handleConnect(ctx, env)
			case TypeSend:
				r.handleSend(env)
			case TypeClose:
				r.handlePageClose(env.TabID)
			case TypePing:
				r.handlePing(ctx, env.TabID)
			}
		}
	}
}

func (r *Relay) handleConnect(ctx context.Context, env Envelope) {
	var req ConnectPayload
	if len(env.Payload) > 0 {
		if err := UnmarshalPayload(env.Payload, &req); err != nil {
			r.replyError(env.TabID, env.RequestID, "malformed connect payload")
			return
		}
	}
	port := req.Port
	if port == 0 {
		port = r.cfg.DefaultPort
	}

	if err := r.openSession(ctx, env.TabID, port, env.RequestID); err != nil {
		r.log.Warn("Upstream dial failed", zap.Int("tab", env.TabID), zap.Error(err))
		r.replyError(env.TabID, env.RequestID, fmt.Sprintf("upstream connect failed: %v", err))
	}
}

// openSession dials upstream for a tab and pushes open down on success.
// A live session for the tab is superseded; the port is remembered so
// the tab reconnects after a reload.
func (r *Relay) openSession(ctx context.Context, tabID, port int, requestID string) error {
	r.teardown(tabID, false)

	url := fmt.Sprintf("ws://%s:%d", r.cfg.UpstreamHost, port)
	dialCtx, cancelDial := context.WithTimeout(ctx, r.cfg.CallTimeout)
	upstream, err := r.dialer.Dial(dialCtx, url)
	cancelDial()
	if err != nil {
		return err
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	s := &relaySession{
		tabID:    tabID,
		id:       requestID,
		upstream: upstream,
		outbox:   make(chan []byte, 64),
		cancel:   cancelSess,
	}

	r.mu.Lock()
	r.sessions[tabID] = s
	r.reconnect[tabID] = port
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.OpenSessions.Inc()
	}

	go r.writePump(sessCtx, s)
	go r.readPump(sessCtx, s)

	r.publishDown(Envelope{
		Source:    SourceRelay,
		TabID:     tabID,
		Type:      TypeOpen,
		RequestID: requestID,
	})
	r.log.Info("Session opened", zap.Int("tab", tabID), zap.String("url", url))
	return nil
}

// handlePing acknowledges bridge liveness. A ping from a freshly
// injected bridge doubles as the reload signal: a tab remembered as
// connected gets its session reestablished without user action, while
// a tab that never connected stays disconnected.
func (r *Relay) handlePing(ctx context.Context, tabID int) {
	r.mu.Lock()
	_, live := r.sessions[tabID]
	port, remembered := r.reconnect[tabID]
	r.mu.Unlock()
	if live || !remembered {
		// Keepalive; activity alone defeats idle recycling.
		r.log.Debug("Keepalive ping", zap.Int("tab", tabID))
		return
	}

	if err := r.openSession(ctx, tabID, port, uuid.New().String()); err != nil {
		r.log.Warn("Reconnect failed", zap.Int("tab", tabID), zap.Error(err))
	}
}

func (r *Relay) handleSend(env Envelope) {
	r.mu.Lock()
	s := r.sessions[env.TabID]
	r.mu.Unlock()
	if s == nil {
		r.replyError(env.TabID, env.RequestID, "no open session for tab")
		return
	}
	select {
	case s.outbox <- env.Payload:
	default:
		r.transportFail(s, "upstream send queue overflow")
	}
}

// handlePageClose handles a close initiated by the page end. The page
// asked for it, so the tab does not auto-reconnect on reload.
func (r *Relay) handlePageClose(tabID int) {
	r.teardown(tabID, true)
	r.log.Info("Session closed by page", zap.Int("tab", tabID))
}

// CloseTab tears everything for a closed tab down.
func (r *Relay) CloseTab(tabID int) {
	r.teardown(tabID, true)
}

// writePump drains the session outbox upstream, preserving FIFO order
// within the session.
func (r *Relay) writePump(ctx context.Context, s *relaySession) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.upstream.Done():
			return
		case data := <-s.outbox:
			if err := s.upstream.Send(data); err != nil {
				r.transportFail(s, fmt.Sprintf("upstream send failed: %v", err))
				return
			}
			r.countMessage(TypeSend, "upstream")
		}
	}
}

// readPump relays upstream messages down the chain. Each delivery
// re-checks that the session is still current, so replies in flight
// for a superseded session are dropped.
func (r *Relay) readPump(ctx context.Context, s *relaySession) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.upstream.Receive():
			if !ok {
				if err := s.upstream.Err(); err != nil {
					r.transportFail(s, fmt.Sprintf("upstream connection lost: %v", err))
				} else if r.current(s) {
					// Clean remote close.
					r.teardown(s.tabID, false)
					r.publishDown(Envelope{Source: SourceRelay, TabID: s.tabID, Type: TypeClose})
				}
				return
			}
			if !r.current(s) {
				return
			}
			r.publishDown(Envelope{
				Source:  SourceRelay,
				TabID:   s.tabID,
				Type:    TypeMessage,
				Payload: data,
			})
		}
	}
}

// transportFail surfaces a transport error to the page and tears the
// session down. The tunnel never retries on its own; retry policy
// belongs to the caller.
func (r *Relay) transportFail(s *relaySession, reason string) {
	if !r.current(s) {
		return
	}
	r.log.Warn("Transport error", zap.Int("tab", s.tabID), zap.String("reason", reason))
	r.teardown(s.tabID, false)
	payload, err := MarshalPayload(ErrorPayload{Reason: reason})
	if err != nil {
		r.log.Error("Failed to encode error payload", zap.Error(err))
	}
	r.publishDown(Envelope{
		Source:  SourceRelay,
		TabID:   s.tabID,
		Type:    TypeError,
		Payload: payload,
	})
}

func (r *Relay) replyError(tabID int, requestID, reason string) {
	payload, err := MarshalPayload(ErrorPayload{Reason: reason})
	if err != nil {
		r.log.Error("Failed to encode error payload", zap.Error(err))
	}
	r.publishDown(Envelope{
		Source:    SourceRelay,
		TabID:     tabID,
		Type:      TypeError,
		RequestID: requestID,
		Payload:   payload,
	})
}

func (r *Relay) publishDown(env Envelope) {
	r.countMessage(env.Type, "down")
	r.bus.Publish(env)
}

// current reports whether s is still the live session for its tab.
func (r *Relay) current(s *relaySession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.tabID] == s
}

// teardown removes a tab's session if present. Closing a session
// auto-revokes the FS-sync privilege if that tab held it.
func (r *Relay) teardown(tabID int, clearReconnect bool) {
	r.mu.Lock()
	s := r.sessions[tabID]
	delete(r.sessions, tabID)
	if clearReconnect {
		delete(r.reconnect, tabID)
	}
	revoke := s != nil && r.syncTab != nil && *r.syncTab == tabID
	r.mu.Unlock()

	if s != nil {
		s.cancel()
		_ = s.upstream.Close()
		if r.metrics != nil {
			r.metrics.OpenSessions.Dec()
		}
	}
	if revoke {
		r.setSyncTab(nil)
	}
}

// WasConnected reports whether the tab held a session before, meaning
// a reloaded page should reestablish it without user action.
func (r *Relay) WasConnected(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reconnect[tabID]
	return ok
}

// HasSession reports whether the tab currently holds an open session.
func (r *Relay) HasSession(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tabID] != nil
}

// GrantSync hands the FS-sync privilege to a tab with an open session.
// Any prior holder is silently revoked; this is a single pointer, not
// a lock or queue.
func (r *Relay) GrantSync(tabID int) error {
	r.mu.Lock()
	if r.sessions[tabID] == nil {
		r.mu.Unlock()
		return fmt.Errorf("cannot grant FS-sync: tab %d has no open session", tabID)
	}
	r.mu.Unlock()
	r.setSyncTab(&tabID)
	return nil
}

// RevokeSync clears the FS-sync privilege.
func (r *Relay) RevokeSync() {
	r.setSyncTab(nil)
}

// Holder implements script.SyncGuard.
func (r *Relay) Holder() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.syncTab == nil {
		return 0, false
	}
	return *r.syncTab, true
}

// SyncChanges returns a channel of privilege transfers. Both the
// previous and the new holder appear in each change.
func (r *Relay) SyncChanges() <-chan SyncChange {
	ch := make(chan SyncChange, 8)
	r.mu.Lock()
	r.syncSubs = append(r.syncSubs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Relay) setSyncTab(next *int) {
	r.mu.Lock()
	prev := r.syncTab
	if prev == nil && next == nil {
		r.mu.Unlock()
		return
	}
	r.syncTab = next
	subs := append([]chan SyncChange(nil), r.syncSubs...)
	r.mu.Unlock()

	change := SyncChange{Prev: prev, Next: next}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (r *Relay) countMessage(t MessageType, direction string) {
	if r.metrics != nil {
		r.metrics.TunnelMessages.WithLabelValues(string(t), direction).Inc()
	}
}
