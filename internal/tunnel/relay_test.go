package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu     sync.Mutex
	sent   [][]byte
	recv   chan []byte
	done   chan struct{}
	err    error
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{recv: make(chan []byte, 16), done: make(chan struct{})}
}

func (u *fakeUpstream) Send(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.New("upstream closed")
	}
	u.sent = append(u.sent, data)
	return nil
}

func (u *fakeUpstream) Receive() <-chan []byte { return u.recv }
func (u *fakeUpstream) Done() <-chan struct{}  { return u.done }

func (u *fakeUpstream) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	close(u.recv)
	close(u.done)
	return nil
}

// failWith ends the connection with a transport error.
func (u *fakeUpstream) failWith(err error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.err = err
	u.mu.Unlock()
	close(u.recv)
	close(u.done)
}

func (u *fakeUpstream) sentMessages() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.sent))
	copy(out, u.sent)
	return out
}

type fakeDialer struct {
	mu        sync.Mutex
	upstreams []*fakeUpstream
	err       error
	dialed    []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Upstream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, url)
	if d.err != nil {
		return nil, d.err
	}
	u := newFakeUpstream()
	d.upstreams = append(d.upstreams, u)
	return u, nil
}

func (d *fakeDialer) lastUpstream() *fakeUpstream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.upstreams) == 0 {
		return nil
	}
	return d.upstreams[len(d.upstreams)-1]
}

type relayFixture struct {
	bus    *Bus
	dialer *fakeDialer
	relay  *Relay
	sub    *Subscription
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{bus: NewBus(), dialer: &fakeDialer{}}
	f.relay = NewRelay(f.bus, f.dialer, RelayConfig{
		UpstreamHost: "localhost",
		DefaultPort:  1337,
		CallTimeout:  time.Second,
	}, nil, nil)
	f.sub = f.bus.Subscribe()
	f.relay.Start(context.Background())
	t.Cleanup(f.relay.Close)
	return f
}

func (f *relayFixture) connect(t *testing.T, tabID int, requestID string) *fakeUpstream {
	t.Helper()
	f.bus.Publish(Envelope{
		Source:    SourceBridge,
		TabID:     tabID,
		Type:      TypeConnect,
		RequestID: requestID,
		Payload:   mustPayload(t, ConnectPayload{Port: 1337}),
	})
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.TabID == tabID &&
			(e.Type == TypeOpen || e.Type == TypeError)
	})
	require.Equal(t, TypeOpen, env.Type)
	require.Equal(t, requestID, env.RequestID)
	return f.dialer.lastUpstream()
}

func TestRelayOpensSessionOnConnect(t *testing.T) {
	f := newRelayFixture(t)
	f.connect(t, 1, "req-1")

	assert.True(t, f.relay.HasSession(1))
	assert.True(t, f.relay.WasConnected(1))
	assert.Equal(t, []string{"ws://localhost:1337"}, f.dialer.dialed)
}

func TestRelayUsesDefaultPort(t *testing.T) {
	f := newRelayFixture(t)
	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeConnect, RequestID: "req-1"})

	awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeOpen
	})
	assert.Equal(t, []string{"ws://localhost:1337"}, f.dialer.dialed)
}

func TestRelayConnectFailureRepliesError(t *testing.T) {
	f := newRelayFixture(t)
	f.dialer.err = errors.New("connection refused")

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeConnect, RequestID: "req-1"})
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeError
	})
	assert.Equal(t, "req-1", env.RequestID)
	assert.Contains(t, errorReason(env), "upstream connect failed")
	assert.False(t, f.relay.HasSession(1))
	assert.False(t, f.relay.WasConnected(1), "a failed connect is not a prior connection")
}

func TestRelayForwardsTraffic(t *testing.T) {
	f := newRelayFixture(t)
	upstream := f.connect(t, 1, "req-1")

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeSend, Payload: []byte("up")})
	require.Eventually(t, func() bool {
		return len(upstream.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("up"), upstream.sentMessages()[0])

	upstream.recv <- []byte("down")
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeMessage
	})
	assert.Equal(t, 1, env.TabID)
	assert.Equal(t, []byte("down"), env.Payload)
}

func TestRelaySendWithoutSession(t *testing.T) {
	f := newRelayFixture(t)

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 5, Type: TypeSend, Payload: []byte("x")})
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeError
	})
	assert.Equal(t, 5, env.TabID)
	assert.Equal(t, "no open session for tab", errorReason(env))
}

func TestRelayPageCloseClearsReconnect(t *testing.T) {
	f := newRelayFixture(t)
	upstream := f.connect(t, 1, "req-1")

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeClose})
	require.Eventually(t, func() bool {
		return !f.relay.HasSession(1)
	}, 2*time.Second, 10*time.Millisecond)

	// The page asked for the close, so a reload must not auto-reconnect.
	assert.False(t, f.relay.WasConnected(1))
	assert.Eventually(t, func() bool {
		select {
		case <-upstream.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "upstream torn down")

	// A bridge announce after the reload finds nothing to reestablish.
	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypePing})
	expectNone(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeOpen
	})
	assert.False(t, f.relay.HasSession(1))
}

func TestRelayReconnectsRememberedTabOnBridgeAnnounce(t *testing.T) {
	f := newRelayFixture(t)
	upstream := f.connect(t, 1, "req-1")

	upstream.failWith(errors.New("broken pipe"))
	awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeError
	})
	require.False(t, f.relay.HasSession(1))

	// The reloaded tab's bridge announces itself; the relay redials the
	// remembered port and pushes open down without a connect request.
	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypePing})
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.TabID == 1 && e.Type == TypeOpen
	})
	assert.NotEmpty(t, env.RequestID, "the reestablished session carries a fresh id")
	assert.True(t, f.relay.HasSession(1))
	assert.Equal(t, []string{"ws://localhost:1337", "ws://localhost:1337"}, f.dialer.dialed)
}

func TestRelayNeverConnectedTabDoesNotAutoConnect(t *testing.T) {
	f := newRelayFixture(t)

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 2, Type: TypePing})
	expectNone(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeOpen
	})
	assert.False(t, f.relay.HasSession(2))
	assert.Empty(t, f.dialer.dialed)
}

func TestRelayPingWithLiveSessionIsKeepaliveOnly(t *testing.T) {
	f := newRelayFixture(t)
	f.connect(t, 1, "req-1")

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypePing})
	expectNone(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeOpen
	})
	assert.Len(t, f.dialer.dialed, 1, "no redial while the session is live")
}

func TestRelayTransportLossKeepsReconnect(t *testing.T) {
	f := newRelayFixture(t)
	upstream := f.connect(t, 1, "req-1")

	upstream.failWith(errors.New("broken pipe"))
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeError
	})
	assert.Contains(t, errorReason(env), "upstream connection lost")

	// Transport loss is not a user decision; the tab still reconnects
	// after a reload, but the tunnel itself never retries.
	assert.False(t, f.relay.HasSession(1))
	assert.True(t, f.relay.WasConnected(1))
}

func TestRelayCleanRemoteClose(t *testing.T) {
	f := newRelayFixture(t)
	upstream := f.connect(t, 1, "req-1")

	require.NoError(t, upstream.Close())
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeClose
	})
	assert.Equal(t, 1, env.TabID)
	assert.False(t, f.relay.HasSession(1))
}

func TestRelayConnectSupersedesSession(t *testing.T) {
	f := newRelayFixture(t)
	first := f.connect(t, 1, "req-1")
	second := f.connect(t, 1, "req-2")
	require.NotSame(t, first, second)

	// The superseded upstream is closed; late replies from it go
	// nowhere.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded upstream not torn down")
	}

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeSend, Payload: []byte("x")})
	require.Eventually(t, func() bool {
		return len(second.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, first.sentMessages())
}

func TestRelayMultipleTabsAreIndependent(t *testing.T) {
	f := newRelayFixture(t)
	up1 := f.connect(t, 1, "req-1")
	up2 := f.connect(t, 2, "req-2")

	up1.recv <- []byte("for tab 1")
	env := awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeMessage
	})
	assert.Equal(t, 1, env.TabID)

	f.relay.CloseTab(1)
	require.Eventually(t, func() bool {
		return !f.relay.HasSession(1)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.relay.HasSession(2))

	up2.recv <- []byte("still flowing")
	env = awaitOn(t, f.sub, func(e Envelope) bool {
		return e.Source == SourceRelay && e.Type == TypeMessage
	})
	assert.Equal(t, 2, env.TabID)
}

func TestGrantSyncRequiresOpenSession(t *testing.T) {
	f := newRelayFixture(t)

	assert.Error(t, f.relay.GrantSync(1))
	_, held := f.relay.Holder()
	assert.False(t, held)

	f.connect(t, 1, "req-1")
	require.NoError(t, f.relay.GrantSync(1))
	tab, held := f.relay.Holder()
	assert.True(t, held)
	assert.Equal(t, 1, tab)
}

func TestGrantSyncSilentlyRevokesPriorHolder(t *testing.T) {
	f := newRelayFixture(t)
	changes := f.relay.SyncChanges()
	f.connect(t, 1, "req-1")
	f.connect(t, 2, "req-2")

	require.NoError(t, f.relay.GrantSync(1))
	change := <-changes
	assert.Nil(t, change.Prev)
	require.NotNil(t, change.Next)
	assert.Equal(t, 1, *change.Next)

	// Handing the privilege to tab 2 notifies both ends of the move.
	require.NoError(t, f.relay.GrantSync(2))
	change = <-changes
	require.NotNil(t, change.Prev)
	require.NotNil(t, change.Next)
	assert.Equal(t, 1, *change.Prev)
	assert.Equal(t, 2, *change.Next)

	tab, held := f.relay.Holder()
	assert.True(t, held)
	assert.Equal(t, 2, tab)
}

func TestSyncAutoRevokesOnSessionClose(t *testing.T) {
	f := newRelayFixture(t)
	changes := f.relay.SyncChanges()
	f.connect(t, 1, "req-1")
	require.NoError(t, f.relay.GrantSync(1))
	<-changes

	f.bus.Publish(Envelope{Source: SourceBridge, TabID: 1, Type: TypeClose})
	select {
	case change := <-changes:
		require.NotNil(t, change.Prev)
		assert.Equal(t, 1, *change.Prev)
		assert.Nil(t, change.Next)
	case <-time.After(2 * time.Second):
		t.Fatal("privilege not auto-revoked on session close")
	}
	_, held := f.relay.Holder()
	assert.False(t, held)
}

func TestRevokeSyncIsIdempotent(t *testing.T) {
	f := newRelayFixture(t)
	changes := f.relay.SyncChanges()

	// Revoking with no holder emits nothing.
	f.relay.RevokeSync()
	select {
	case change := <-changes:
		t.Fatalf("unexpected change: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnvelopeCodecRejectsUnknownType(t *testing.T) {
	raw, err := EncodeEnvelope(Envelope{Source: SourcePage, TabID: 1, Type: TypeSend, Payload: []byte("x")})
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeSend, decoded.Type)
	assert.Equal(t, []byte("x"), decoded.Payload)

	_, err = DecodeEnvelope([]byte(`{"source":"page","tabId":1,"type":"steal-cookies"}`))
	assert.Error(t, err, "the message vocabulary is closed")

	_, err = MarshalPayload(make(chan int))
	assert.Error(t, err, "unencodable payloads surface instead of shipping empty")
}
