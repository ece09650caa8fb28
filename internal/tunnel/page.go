package tunnel

import (
	"sync"
	"time"
)

// Page models one page execution world: the bus standing in for
// window-level messaging, plus the page-global idempotency token the
// injected bridge checks before initializing.
type Page struct {
	tabID int
	bus   *Bus

	mu      sync.Mutex
	bridged bool
}

// NewPage creates a page world for a tab.
func NewPage(tabID int) *Page {
	return &Page{tabID: tabID, bus: NewBus()}
}

// TabID returns the owning tab.
func (p *Page) TabID() int {
	return p.tabID
}

// Bus returns the page-level message bus.
func (p *Page) Bus() *Bus {
	return p.bus
}

// NewSocket creates a virtual socket bound to this page. The timeout
// bounds the connect exchange; a torn-down peer resolves as failure
// rather than a hang.
func (p *Page) NewSocket(timeout time.Duration) *VirtualSocket {
	return &VirtualSocket{
		tabID:   p.tabID,
		bus:     p.bus,
		sub:     p.bus.Subscribe(),
		timeout: timeout,
	}
}

// claimBridge sets the injection sentinel, reporting whether this
// caller won it. A second injection observes the token and backs off.
func (p *Page) claimBridge() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridged {
		return false
	}
	p.bridged = true
	return true
}

// releaseBridge clears the sentinel, as a page teardown would.
func (p *Page) releaseBridge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bridged = false
}
