// Package broker implements the per-tab message multiplexer: the
// endpoint on the broadcast bus that frames outbound calls, correlates
// replies, demultiplexes events, and survives bus unavailability at
// construction. Its inbound-frame processing is single-threaded by
// construction (one goroutine owns conn.Messages()), the same shape as
// bus/local's channelHub run loop, adapted from a pub/sub fan-out into a
// request/reply/event correlator.
package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/internal/emitter"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

// Handler is invoked when a request's reply arrives or is answered with
// an error. It is never invoked for a reaped Pending Call — those expire
// silently. Exactly one of err, result is meaningful at a time.
type Handler func(err error, result json.RawMessage)

// maxQueueSize bounds the outbound queue used before the bus is ready.
const maxQueueSize = 1000

type pendingCall struct {
	id        string
	handler   Handler
	createdAt time.Time
}

// Broker is one tab's endpoint on the bus.
type Broker struct {
	tabID   protocol.TabID
	channel string
	cfg     config.Config

	emitter *emitter.Emitter

	mu     sync.Mutex
	conn   bus.Conn
	ready  bool
	closed bool
	queue  []protocol.Frame

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	cleanupMu   sync.Mutex
	cleanupRefs int
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New attaches a Broker to b on the configured channel. If b.Join fails,
// the Broker is still returned: it emits an "error" event, and every
// subsequent Send enqueues forever without draining.
func New(b bus.Bus, opts ...config.Option) *Broker {
	cfg := config.Apply(opts...)
	if cfg.Debug {
		logging.SetDebug(true)
	}

	br := &Broker{
		tabID:   protocol.NewTabID(),
		channel: cfg.ChannelName,
		cfg:     cfg,
		emitter: emitter.New(),
		pending: make(map[string]*pendingCall),
	}

	conn, err := b.Join(cfg.ChannelName)
	if err != nil {
		br.emitter.Emit("error", err)
		return br
	}

	br.markReady(conn)
	go br.recvLoop(conn)

	br.Send(protocol.Frame{Type: protocol.OpTabRegister}, nil)
	br.StartCleanupTimer(cfg.CleanupInterval)
	return br
}

// StartCleanupTimer starts the periodic sweep of expired Pending Calls if
// it is not already running, and increments a reference count so that
// multiple callers (e.g. a facade.Connection plus its own tests) can
// start/stop it independently without one's Stop disabling the other's.
func (b *Broker) StartCleanupTimer(interval time.Duration) {
	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()
	b.cleanupRefs++
	if b.cleanupRefs > 1 {
		return
	}
	b.cleanupStop = make(chan struct{})
	b.cleanupDone = make(chan struct{})
	go b.runCleanupTimer(interval, b.cleanupStop, b.cleanupDone)
}

// StopCleanupTimer decrements the reference count and stops the sweep
// once it reaches zero. Calling it more times than StartCleanupTimer is
// a no-op.
func (b *Broker) StopCleanupTimer() {
	b.cleanupMu.Lock()
	if b.cleanupRefs == 0 {
		b.cleanupMu.Unlock()
		return
	}
	b.cleanupRefs--
	if b.cleanupRefs > 0 {
		b.cleanupMu.Unlock()
		return
	}
	stop, done := b.cleanupStop, b.cleanupDone
	b.cleanupMu.Unlock()
	close(stop)
	<-done
}

func (b *Broker) runCleanupTimer(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepExpiredPending()
		case <-stop:
			return
		}
	}
}

func (b *Broker) sweepExpiredPending() {
	deadline := time.Now().Add(-b.cfg.CallbackMaxAge)
	b.pendingMu.Lock()
	for id, pc := range b.pending {
		if pc.createdAt.Before(deadline) {
			delete(b.pending, id)
		}
	}
	b.pendingMu.Unlock()
}

// TabID returns this Broker's tab identity.
func (b *Broker) TabID() protocol.TabID { return b.tabID }

func (b *Broker) markReady(conn bus.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.ready = true
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	// Drain in order, outside the lock so a handler that calls Send
	// during drain cannot deadlock against it.
	for _, frame := range queued {
		b.post(frame)
	}
	b.emitter.Emit("ready")
}

func (b *Broker) isReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready && !b.closed
}

// Send stamps frame with this Broker's tab id and a timestamp, optionally
// registers handler as a Pending Call, and posts the frame (or queues it
// if the bus is not yet ready).
func (b *Broker) Send(frame protocol.Frame, handler Handler) {
	frame.TabID = b.tabID
	frame.Timestamp = time.Now().UnixNano()

	if handler != nil {
		id := uuid.NewString()
		frame.CallbackID = id
		b.pendingMu.Lock()
		b.pending[id] = &pendingCall{id: id, handler: handler, createdAt: time.Now()}
		b.pendingMu.Unlock()
	}

	b.mu.Lock()
	closed := b.closed
	ready := b.ready
	b.mu.Unlock()
	if closed {
		return
	}
	if !ready {
		b.enqueue(frame)
		return
	}
	b.post(frame)
}

func (b *Broker) enqueue(frame protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= maxQueueSize {
		b.queue = b.queue[1:]
		logging.For("broker").Warn("outbound queue full, dropping oldest frame")
	}
	b.queue = append(b.queue, frame)
}

func (b *Broker) post(frame protocol.Frame) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.enqueue(frame)
		return
	}
	if err := conn.Post(frame); err != nil {
		if frame.CallbackID != "" {
			b.pendingMu.Lock()
			pc, ok := b.pending[frame.CallbackID]
			delete(b.pending, frame.CallbackID)
			b.pendingMu.Unlock()
			if ok {
				pc.handler(err, nil)
			}
		} else {
			logging.For("broker").WithError(err).Warn("dropped frame: post failed")
		}
	}
}

func (b *Broker) recvLoop(conn bus.Conn) {
	for {
		select {
		case frame, ok := <-conn.Messages():
			if !ok {
				return
			}
			b.handleInbound(frame)
		case err, ok := <-conn.Errors():
			if !ok {
				continue
			}
			b.emitter.Emit("error", err)
		}
	}
}

func (b *Broker) handleInbound(frame protocol.Frame) {
	if frame.Type == "" {
		logging.For("broker").Debug("discarding frame with no type")
		return
	}
	if frame.TabID == b.tabID {
		return // never process a frame this endpoint posted itself
	}

	switch frame.Type {
	case protocol.OpCallback:
		b.handleCallback(frame)
	case protocol.OpDocEvent:
		if frame.Collection == "" || frame.ID == "" || frame.Event == "" {
			logging.For("broker").Debug("discarding malformed doc.event frame")
			return
		}
		b.emitter.Emit("doc.event", frame.Key(), frame.Event, frame.Args)
	case protocol.OpConnectionEvent:
		if frame.Event == "" {
			logging.For("broker").Debug("discarding malformed connection.event frame")
			return
		}
		b.emitter.Emit("connection.event", frame.Event, frame.Args)
	default:
		b.emitter.Emit("message", frame)
	}
}

func (b *Broker) handleCallback(frame protocol.Frame) {
	if frame.CallbackID == "" {
		return
	}
	b.pendingMu.Lock()
	pc, ok := b.pending[frame.CallbackID]
	if ok {
		delete(b.pending, frame.CallbackID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return // unknown or expired callbackId: stale reply, dropped silently
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				b.emitter.Emit("error", protocol.NewError(protocol.CodeInternal, "callback handler panicked"))
			}
		}()
		if frame.Error != nil {
			pc.handler(frame.Error.AsError(), nil)
		} else {
			pc.handler(nil, frame.Result)
		}
	}()
}

// OnReady registers a listener for the bus-attached event.
func (b *Broker) OnReady(fn func()) uint64 {
	return b.emitter.On("ready", func(args ...interface{}) { fn() })
}

// OnClose registers a listener for the bus-released event.
func (b *Broker) OnClose(fn func()) uint64 {
	return b.emitter.On("close", func(args ...interface{}) { fn() })
}

// OnError registers a listener for bus or callback faults.
func (b *Broker) OnError(fn func(err error)) uint64 {
	return b.emitter.On("error", func(args ...interface{}) { fn(args[0].(error)) })
}

// OnDocEvent registers a listener for validated doc.event forwards.
func (b *Broker) OnDocEvent(fn func(key protocol.DocKey, event string, args json.RawMessage)) uint64 {
	return b.emitter.On("doc.event", func(args ...interface{}) {
		fn(args[0].(protocol.DocKey), args[1].(string), args[2].(json.RawMessage))
	})
}

// OnConnectionEvent registers a listener for validated connection.event
// forwards.
func (b *Broker) OnConnectionEvent(fn func(event string, args json.RawMessage)) uint64 {
	return b.emitter.On("connection.event", func(args ...interface{}) {
		fn(args[0].(string), args[1].(json.RawMessage))
	})
}

// OnMessage registers a fallback listener for frames with an opcode this
// Broker does not otherwise interpret.
func (b *Broker) OnMessage(fn func(frame protocol.Frame)) uint64 {
	return b.emitter.On("message", func(args ...interface{}) { fn(args[0].(protocol.Frame)) })
}

// PendingCount reports the number of outstanding Pending Calls, used by
// tests.
func (b *Broker) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Close releases the bus, flushes every Pending Call with a
// "broker closed" error, clears queues, and is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.queue = nil
	b.mu.Unlock()

	b.StopCleanupTimer()

	if conn != nil {
		_ = conn.Close()
	}

	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.pendingMu.Unlock()
	for _, pc := range pending {
		pc.handler(protocol.ErrBrokerClosed, nil)
	}

	b.emitter.Emit("close")
	b.emitter.RemoveAll()
	return nil
}
