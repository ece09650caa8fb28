package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridgeEndpoint simulates the bridge end of the page bus: it waits for
// the socket's connect envelope and replies as the bridge would.
type bridgeEndpoint struct {
	t   *testing.T
	bus *Bus
	sub *Subscription
}

func newBridgeEndpoint(t *testing.T, page *Page) *bridgeEndpoint {
	t.Helper()
	return &bridgeEndpoint{t: t, bus: page.Bus(), sub: page.Bus().Subscribe()}
}

func (b *bridgeEndpoint) awaitFromPage(msgType MessageType) Envelope {
	b.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-b.sub.C():
			require.True(b.t, ok, "page bus closed while waiting for %s", msgType)
			if env.Source == SourcePage && env.Type == msgType {
				return env
			}
		case <-deadline:
			b.t.Fatalf("timed out waiting for %s from page", msgType)
		}
	}
}

func (b *bridgeEndpoint) reply(env Envelope) {
	env.Source = SourceBridge
	b.bus.Publish(env)
}

func TestVirtualSocketRejectsForeignScheme(t *testing.T) {
	page := NewPage(1)
	sock := page.NewSocket(time.Second)

	assert.Error(t, sock.Dial("ws://example.com:1337"))
	assert.Error(t, sock.Dial("%%%bad"))
	assert.Equal(t, StateConnecting, sock.State())
}

func TestVirtualSocketLifecycle(t *testing.T) {
	page := NewPage(1)
	end := newBridgeEndpoint(t, page)
	sock := page.NewSocket(2 * time.Second)

	opened := make(chan struct{})
	messages := make(chan []byte, 4)
	closed := make(chan struct{})
	sock.OnOpen = func() { close(opened) }
	sock.OnMessage = func(data []byte) { messages <- data }
	sock.OnClose = func() { close(closed) }

	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))
	require.Equal(t, StateConnecting, sock.State())

	connect := end.awaitFromPage(TypeConnect)
	var payload ConnectPayload
	require.NoError(t, UnmarshalPayload(connect.Payload, &payload))
	assert.Equal(t, 1337, payload.Port)

	end.reply(Envelope{TabID: 1, Type: TypeOpen, RequestID: connect.RequestID})
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}
	assert.Equal(t, StateOpen, sock.State())

	require.NoError(t, sock.Send([]byte("hello")))
	sent := end.awaitFromPage(TypeSend)
	assert.Equal(t, []byte("hello"), sent.Payload)

	end.reply(Envelope{TabID: 1, Type: TypeMessage, Payload: []byte("world")})
	select {
	case data := <-messages:
		assert.Equal(t, []byte("world"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage never fired")
	}

	end.reply(Envelope{TabID: 1, Type: TypeClose})
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	assert.Equal(t, StateClosed, sock.State())
	assert.Error(t, sock.Send([]byte("too late")), "send after close is refused")
}

func TestVirtualSocketIgnoresStaleOpen(t *testing.T) {
	page := NewPage(1)
	end := newBridgeEndpoint(t, page)
	sock := page.NewSocket(time.Second)

	opened := make(chan struct{}, 1)
	sock.OnOpen = func() { opened <- struct{}{} }
	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))
	end.awaitFromPage(TypeConnect)

	// An open correlated to some other request never completes this one.
	end.reply(Envelope{TabID: 1, Type: TypeOpen, RequestID: "some-older-request"})

	select {
	case <-opened:
		t.Fatal("stale open reply must not open the socket")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateConnecting, sock.State())
}

func TestVirtualSocketConnectTimeout(t *testing.T) {
	page := NewPage(1)
	sock := page.NewSocket(50 * time.Millisecond)

	errs := make(chan string, 1)
	closed := make(chan struct{})
	sock.OnError = func(reason string) { errs <- reason }
	sock.OnClose = func() { close(closed) }

	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))

	select {
	case reason := <-errs:
		assert.Contains(t, reason, "timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never surfaced as an error event")
	}
	<-closed
	assert.Equal(t, StateClosed, sock.State())
}

func TestVirtualSocketErrorCarriesReason(t *testing.T) {
	page := NewPage(1)
	end := newBridgeEndpoint(t, page)
	sock := page.NewSocket(2 * time.Second)

	errs := make(chan string, 1)
	sock.OnError = func(reason string) { errs <- reason }
	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))
	connect := end.awaitFromPage(TypeConnect)

	end.reply(Envelope{
		TabID:     1,
		Type:      TypeError,
		RequestID: connect.RequestID,
		Payload:   mustPayload(t, ErrorPayload{Reason: "upstream connect failed: refused"}),
	})

	select {
	case reason := <-errs:
		assert.Equal(t, "upstream connect failed: refused", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}
	assert.Equal(t, StateClosed, sock.State())
}

func TestVirtualSocketClosedIsTerminal(t *testing.T) {
	page := NewPage(1)
	end := newBridgeEndpoint(t, page)
	sock := page.NewSocket(2 * time.Second)

	messages := make(chan []byte, 1)
	sock.OnMessage = func(data []byte) { messages <- data }
	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))
	connect := end.awaitFromPage(TypeConnect)
	end.reply(Envelope{TabID: 1, Type: TypeOpen, RequestID: connect.RequestID})

	sock.Close()
	end.awaitFromPage(TypeClose)
	require.Equal(t, StateClosed, sock.State())

	// A reply racing the close is dropped, never delivered afterwards.
	end.reply(Envelope{TabID: 1, Type: TypeMessage, Payload: []byte("late")})
	select {
	case <-messages:
		t.Fatal("message delivered after readyState=CLOSED")
	case <-time.After(100 * time.Millisecond):
	}

	// Close twice is a no-op; the state never leaves CLOSED.
	sock.Close()
	assert.Equal(t, StateClosed, sock.State())
}

func TestVirtualSocketIgnoresForeignTab(t *testing.T) {
	page := NewPage(1)
	end := newBridgeEndpoint(t, page)
	sock := page.NewSocket(2 * time.Second)

	opened := make(chan struct{}, 1)
	sock.OnOpen = func() { opened <- struct{}{} }
	require.NoError(t, sock.Dial("ws+epupp://localhost:1337"))
	connect := end.awaitFromPage(TypeConnect)

	end.reply(Envelope{TabID: 2, Type: TypeOpen, RequestID: connect.RequestID})
	select {
	case <-opened:
		t.Fatal("another tab's open must not affect this socket")
	case <-time.After(100 * time.Millisecond):
	}
}
