// Package facade implements the per-tab mirror of the hosted
// authoritative session: Connection presents the session's public
// surface to application code, and Document (in document.go) mirrors a
// single document with optimistic local mutation.
package facade

import (
	"encoding/json"
	"sync"

	"github.com/shaxpir/sharedb-sub001/broker"
	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/internal/emitter"
	"github.com/shaxpir/sharedb-sub001/otype"
	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session"
)

// Connection is a tab's local mirror of the hosted authoritative
// session.
type Connection struct {
	broker *broker.Broker
	otype  otype.Type

	mu         sync.Mutex
	cache      map[protocol.DocKey]*Document
	state      session.State
	canSend    bool
	writeQueue protocol.WriteQueueState
	closed     bool

	emitter *emitter.Emitter
}

// New attaches a fresh Connection (and its own Broker) to b.
func New(b bus.Bus, opts ...config.Option) *Connection {
	br := broker.New(b, opts...)
	c := &Connection{
		broker:     br,
		otype:      otype.Default,
		cache:      make(map[protocol.DocKey]*Document),
		state:      session.StateConnecting,
		canSend:    true,
		writeQueue: protocol.WriteQueueState{AutoFlush: true},
		emitter:    emitter.New(),
	}
	br.OnDocEvent(c.handleDocEvent)
	br.OnConnectionEvent(c.handleConnectionEvent)
	br.OnError(func(err error) { c.emitter.Emit("error", err) })
	return c
}

// TabID returns this Connection's tab identity.
func (c *Connection) TabID() protocol.TabID { return c.broker.TabID() }

// State returns the last known authoritative connection state.
func (c *Connection) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanSend mirrors session.State.CanSend for the last known state.
func (c *Connection) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSend
}

// Get returns the cached Document for (collection, id), constructing and
// caching one if absent. It never performs I/O.
func (c *Connection) Get(collection, id string) *Document {
	key := protocol.DocKey{Collection: collection, ID: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.cache[key]; ok {
		return d
	}
	d := newDocument(key, c)
	c.cache[key] = d
	return d
}

// GetExisting is a pure cache lookup: it never constructs a Document.
func (c *Connection) GetExisting(collection, id string) (*Document, bool) {
	key := protocol.DocKey{Collection: collection, ID: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.cache[key]
	return d, ok
}

type getBulkPayload struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
}

// GetBulk resolves a batch of documents, issuing at most one
// connection.getBulk request for the ids not already cached, and
// delivers results to handler in input order.
func (c *Connection) GetBulk(collection string, ids []string, handler func([]*Document, error)) {
	if len(ids) == 0 {
		handler([]*Document{}, nil)
		return
	}

	results := make([]*Document, len(ids))
	var missingIdx []int
	var missingIDs []string

	c.mu.Lock()
	for i, id := range ids {
		key := protocol.DocKey{Collection: collection, ID: id}
		if d, ok := c.cache[key]; ok {
			results[i] = d
			continue
		}
		d := newDocument(key, c)
		c.cache[key] = d
		results[i] = d
		missingIdx = append(missingIdx, i)
		missingIDs = append(missingIDs, id)
	}
	c.mu.Unlock()

	if len(missingIDs) == 0 {
		handler(results, nil)
		return
	}

	frame := protocol.Frame{
		Type:    protocol.OpConnectionGetBulk,
		Payload: protocol.MustArgs(getBulkPayload{Collection: collection, IDs: missingIDs}),
	}
	c.broker.Send(frame, func(err error, result json.RawMessage) {
		if err != nil {
			handler(nil, err)
			return
		}
		var snaps []protocol.Snapshot
		if err := json.Unmarshal(result, &snaps); err != nil {
			handler(nil, err)
			return
		}
		for i, idx := range missingIdx {
			if i < len(snaps) {
				results[idx].applySnapshot(snaps[i])
			}
		}
		handler(results, nil)
	})
}

func wrapErrHandler(handler func(error)) broker.Handler {
	if handler == nil {
		return nil
	}
	return func(err error, _ json.RawMessage) { handler(err) }
}

// SetAutoFlush toggles the hosted session's write-batching behavior.
func (c *Connection) SetAutoFlush(enabled bool, handler func(error)) {
	frame := protocol.Frame{
		Type:    protocol.OpConnectionSetAutoFlush,
		Payload: protocol.MustArgs(map[string]bool{"enabled": enabled}),
	}
	c.broker.Send(frame, wrapErrHandler(handler))
}

// IsAutoFlush returns the local mirror of the hosted session's
// auto-flush flag.
func (c *Connection) IsAutoFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeQueue.AutoFlush
}

// GetWriteQueueSize returns the local mirror of the pending write count.
func (c *Connection) GetWriteQueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeQueue.WriteQueueSize
}

// HasPendingWrites returns the local mirror of the pending-writes flag.
func (c *Connection) HasPendingWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeQueue.HasPendingWrite
}

// PutDoc forwards a single document reference to the hosted write queue.
func (c *Connection) PutDoc(ref protocol.DocRef, handler func(error)) {
	frame := protocol.Frame{Type: protocol.OpConnectionPutDoc, Payload: protocol.MustArgs(ref)}
	c.broker.Send(frame, wrapErrHandler(handler))
}

// PutDocs forwards multiple document references in one request.
func (c *Connection) PutDocs(refs []protocol.DocRef, handler func(error)) {
	frame := protocol.Frame{Type: protocol.OpConnectionPutDocs, Payload: protocol.MustArgs(refs)}
	c.broker.Send(frame, wrapErrHandler(handler))
}

// PutDocsBulk forwards multiple document references as a single bulk
// write.
func (c *Connection) PutDocsBulk(refs []protocol.DocRef, handler func(error)) {
	frame := protocol.Frame{Type: protocol.OpConnectionPutDocsBulk, Payload: protocol.MustArgs(refs)}
	c.broker.Send(frame, wrapErrHandler(handler))
}

// FlushWrites asks the hosted session to flush its pending write queue.
func (c *Connection) FlushWrites(handler func(error)) {
	c.broker.Send(protocol.Frame{Type: protocol.OpConnectionFlushWrites}, wrapErrHandler(handler))
}

// Close unregisters this tab, releases the Broker, empties the cache,
// and transitions to a closed, non-sendable state.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cache = make(map[protocol.DocKey]*Document)
	c.state = session.StateClosed
	c.canSend = false
	c.mu.Unlock()

	c.broker.Send(protocol.Frame{Type: protocol.OpTabUnregister}, nil)
	c.broker.StopCleanupTimer()
	_ = c.broker.Close()
	c.emitter.Emit("state", session.StateClosed, "closed")
}

type statePayload struct {
	State  session.State `json:"state"`
	Reason string        `json:"reason"`
}

func (c *Connection) handleConnectionEvent(event string, args json.RawMessage) {
	switch event {
	case "state":
		var p statePayload
		_ = json.Unmarshal(args, &p)
		c.mu.Lock()
		c.state = p.State
		c.canSend = p.State.CanSend()
		c.mu.Unlock()
		c.emitter.Emit("state", p.State, p.Reason)
	case "writeQueue":
		var wq protocol.WriteQueueState
		_ = json.Unmarshal(args, &wq)
		c.mu.Lock()
		c.writeQueue = wq
		c.mu.Unlock()
		c.emitter.Emit("writeQueue", wq)
	case "error":
		var we protocol.WireError
		_ = json.Unmarshal(args, &we)
		c.emitter.Emit("error", we.AsError())
	default:
		c.emitter.Emit(event, args)
	}
}

func (c *Connection) handleDocEvent(key protocol.DocKey, event string, args json.RawMessage) {
	c.mu.Lock()
	d, ok := c.cache[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	d.deliver(event, args)
}

// OnState registers a listener for connection state transitions.
func (c *Connection) OnState(fn func(state session.State, reason string)) uint64 {
	return c.emitter.On("state", func(args ...interface{}) {
		fn(args[0].(session.State), args[1].(string))
	})
}

// OnError registers a listener for connection-level faults.
func (c *Connection) OnError(fn func(err error)) uint64 {
	return c.emitter.On("error", func(args ...interface{}) { fn(args[0].(error)) })
}
