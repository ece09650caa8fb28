package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Upstream is one open socket to the external relay process. Payloads
// are opaque bytes; the remote protocol's wire format is not
// interpreted here.
type Upstream interface {
	Send(data []byte) error
	// Receive returns the inbound message channel. It is closed when
	// the connection ends.
	Receive() <-chan []byte
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended, nil for a clean close.
	Err() error
	Close() error
}

// UpstreamDialer opens upstream connections.
type UpstreamDialer interface {
	Dial(ctx context.Context, url string) (Upstream, error)
}

// WSDialer dials upstream sockets over WebSocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer creates a dialer with default options.
func NewWSDialer() *WSDialer {
	return &WSDialer{dialer: websocket.DefaultDialer}
}

// Dial implements UpstreamDialer.
func (d *WSDialer) Dial(ctx context.Context, url string) (Upstream, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream dial %s: %w", url, err)
	}

	u := &wsUpstream{
		conn: conn,
		recv: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go u.readPump()
	return u, nil
}

type wsUpstream struct {
	conn    *websocket.Conn
	recv    chan []byte
	done    chan struct{}
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (u *wsUpstream) readPump() {
	defer func() {
		close(u.recv)
		close(u.done)
	}()
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				u.setErr(err)
			}
			return
		}
		u.recv <- data
	}
}

func (u *wsUpstream) Send(data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := u.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

func (u *wsUpstream) Receive() <-chan []byte {
	return u.recv
}

func (u *wsUpstream) Done() <-chan struct{} {
	return u.done
}

func (u *wsUpstream) Err() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.err
}

func (u *wsUpstream) setErr(err error) {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	if u.err == nil {
		u.err = err
	}
}

func (u *wsUpstream) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.writeMu.Lock()
		_ = u.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		u.writeMu.Unlock()
		err = u.conn.Close()
	})
	return err
}
