package tunnel

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReservedScheme is the socket scheme the virtual socket intercepts.
// Any other scheme is refused and left to the page's normal socket
// machinery.
const ReservedScheme = "ws+epupp"

// SocketState is the virtual socket lifecycle state.
type SocketState int32

const (
	StateConnecting SocketState = iota
	StateOpen
	StateClosed
)

// String returns the readyState name.
func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// VirtualSocket emulates a socket object inside a page whose policy
// blocks direct socket creation, backing it with envelope passing over
// the page bus. The lifecycle is CONNECTING -> OPEN -> CLOSED; CLOSED
// is terminal and the socket never reopens itself.
type VirtualSocket struct {
	tabID   int
	bus     *Bus
	sub     *Subscription
	timeout time.Duration

	mu        sync.Mutex
	state     SocketState
	requestID string
	started   bool

	// Event handlers, mirroring the socket API surface the page sees.
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(reason string)
	OnClose   func()
}

// Dial starts connecting the socket to the given URL. The URL must use
// the reserved scheme; its port is relayed upstream. Dial returns
// immediately; the outcome arrives as an OnOpen or OnError event, and
// a missing reply resolves as a timeout error rather than hanging.
func (v *VirtualSocket) Dial(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid socket URL: %w", err)
	}
	if u.Scheme != ReservedScheme {
		return fmt.Errorf("scheme %q is not handled by the virtual socket", u.Scheme)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid socket port: %w", err)
		}
	}

	payload, err := MarshalPayload(ConnectPayload{Port: port})
	if err != nil {
		return fmt.Errorf("failed to encode connect payload: %w", err)
	}

	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return fmt.Errorf("socket already used; readyState=%s", v.state)
	}
	v.started = true
	v.requestID = uuid.New().String()
	requestID := v.requestID
	v.mu.Unlock()

	go v.deliverLoop()

	v.bus.Publish(Envelope{
		Source:    SourcePage,
		TabID:     v.tabID,
		Type:      TypeConnect,
		RequestID: requestID,
		Payload:   payload,
	})
	return nil
}

// Send relays data upstream. Only legal while the socket is OPEN.
func (v *VirtualSocket) Send(data []byte) error {
	v.mu.Lock()
	state := v.state
	v.mu.Unlock()
	if state != StateOpen {
		return fmt.Errorf("cannot send; readyState=%s", state)
	}

	v.bus.Publish(Envelope{
		Source:  SourcePage,
		TabID:   v.tabID,
		Type:    TypeSend,
		Payload: data,
	})
	return nil
}

// Close closes the socket. The local state is forced to CLOSED at
// once, so a stale reference can never observe a silent reopen, and
// the close propagates up the tunnel.
func (v *VirtualSocket) Close() {
	if !v.transition(StateClosed) {
		return
	}
	v.bus.Publish(Envelope{
		Source: SourcePage,
		TabID:  v.tabID,
		Type:   TypeClose,
	})
	v.sub.Cancel()
	if v.OnClose != nil {
		v.OnClose()
	}
}

// State returns the current readyState.
func (v *VirtualSocket) State() SocketState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// deliverLoop consumes bridge envelopes for this tab. It enforces the
// terminal-CLOSED invariant: once CLOSED, nothing is delivered.
func (v *VirtualSocket) deliverLoop() {
	var timeoutC <-chan time.Time
	if v.timeout > 0 {
		timer := time.NewTimer(v.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case env, ok := <-v.sub.C():
			if !ok {
				v.fail("bridge detached")
				return
			}
			if env.Source != SourceBridge || env.TabID != v.tabID {
				continue
			}
			if done := v.handle(env); done {
				return
			}
			if v.State() == StateOpen {
				// Connection established; stop the connect timer.
				timeoutC = nil
			}
		case <-timeoutC:
			if v.State() == StateConnecting {
				v.fail("connect timed out")
				return
			}
			timeoutC = nil
		}
	}
}

func (v *VirtualSocket) handle(env Envelope) bool {
	switch env.Type {
	case TypeOpen:
		v.mu.Lock()
		match := env.RequestID == v.requestID && v.state == StateConnecting
		if match {
			v.state = StateOpen
		}
		v.mu.Unlock()
		if match && v.OnOpen != nil {
			v.OnOpen()
		}
		return false
	case TypeMessage:
		v.mu.Lock()
		open := v.state == StateOpen
		v.mu.Unlock()
		// A reply racing a close is dropped, never delivered after
		// readyState=CLOSED.
		if open && v.OnMessage != nil {
			v.OnMessage(env.Payload)
		}
		return false
	case TypeError:
		v.fail(errorReason(env))
		return true
	case TypeClose:
		if v.transition(StateClosed) && v.OnClose != nil {
			v.OnClose()
		}
		return true
	default:
		return false
	}
}

// fail surfaces an error event and then forces CLOSED.
func (v *VirtualSocket) fail(reason string) {
	v.mu.Lock()
	already := v.state == StateClosed
	v.state = StateClosed
	v.mu.Unlock()
	v.sub.Cancel()
	if already {
		return
	}
	if v.OnError != nil {
		v.OnError(reason)
	}
	if v.OnClose != nil {
		v.OnClose()
	}
}

// transition moves to the target state, reporting whether a change
// happened. CLOSED is terminal.
func (v *VirtualSocket) transition(target SocketState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed || v.state == target {
		return false
	}
	v.state = target
	return true
}
