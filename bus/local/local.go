// Package local implements bus.Bus as an in-process broadcast hub. A
// single goroutine per channel owns the subscriber registry and is the
// only thing that mutates it, so every other method communicates with it
// over channels rather than taking a lock.
package local

import (
	"sync"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

var log = logging.For("bus.local")

// Hub is an in-process bus.Bus. Multiple channels are multiplexed through
// one Hub; each channel gets its own fan-out set, lazily created on first
// Join.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channelHub
	closed   bool
}

// New returns a ready Hub.
func New() *Hub {
	return &Hub{channels: make(map[string]*channelHub)}
}

// Join attaches a new endpoint to name, creating the channel's fan-out set
// if this is the first member.
func (h *Hub) Join(name string) (bus.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &bus.ErrNotReady{Reason: "hub closed"}
	}
	ch, ok := h.channels[name]
	if !ok {
		ch = newChannelHub()
		h.channels[name] = ch
		go ch.run()
	}
	return ch.join(), nil
}

// Close shuts down every channel and releases all subscribers.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, ch := range h.channels {
		ch.shutdown()
	}
	return nil
}

// channelHub is the per-channel register/unregister/broadcast loop, the
// direct analogue of ssr.Broker.run.
type channelHub struct {
	register   chan *localConn
	unregister chan *localConn
	broadcast  chan postedFrame
	stop       chan struct{}
	done       chan struct{}
}

type postedFrame struct {
	from  *localConn
	frame protocol.Frame
}

func newChannelHub() *channelHub {
	return &channelHub{
		register:   make(chan *localConn),
		unregister: make(chan *localConn),
		broadcast:  make(chan postedFrame, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *channelHub) run() {
	defer close(c.done)
	members := make(map[*localConn]struct{})
	for {
		select {
		case conn := <-c.register:
			members[conn] = struct{}{}
		case conn := <-c.unregister:
			if _, ok := members[conn]; ok {
				delete(members, conn)
				close(conn.in)
				close(conn.errs)
			}
		case posted := <-c.broadcast:
			for member := range members {
				if member == posted.from {
					continue // bus contract (ii): never deliver to the poster
				}
				select {
				case member.in <- posted.frame:
				default:
					log.WithField("channel", "full").Warn("dropping frame for slow local subscriber")
				}
			}
		case <-c.stop:
			for conn := range members {
				close(conn.in)
				close(conn.errs)
			}
			return
		}
	}
}

func (c *channelHub) shutdown() {
	close(c.stop)
	<-c.done
}

func (c *channelHub) join() *localConn {
	conn := &localConn{
		hub:  c,
		in:   make(chan protocol.Frame, 64),
		errs: make(chan error, 1),
	}
	c.register <- conn
	return conn
}

// localConn is one endpoint's membership in a channelHub.
type localConn struct {
	hub  *channelHub
	in   chan protocol.Frame
	errs chan error

	closeOnce sync.Once
}

func (c *localConn) Post(frame protocol.Frame) error {
	select {
	case c.hub.broadcast <- postedFrame{from: c, frame: frame}:
		return nil
	case <-c.hub.stop:
		return &bus.ErrNotReady{Reason: "channel closed"}
	}
}

func (c *localConn) Messages() <-chan protocol.Frame { return c.in }
func (c *localConn) Errors() <-chan error            { return c.errs }

func (c *localConn) Close() error {
	c.closeOnce.Do(func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
	})
	return nil
}
