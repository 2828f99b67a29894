package facade

import (
	"encoding/json"
	"sync"

	"github.com/shaxpir/sharedb-sub001/internal/emitter"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

// applyOp is d.conn.otype.Apply, factored out so both SubmitOp and
// deliver("op") share one call site.
func (d *Document) applyOp(op []byte) ([]byte, error) {
	return d.conn.otype.Apply(d.data, op)
}

// Document is a tab's local mirror of one authoritative document:
// current data, version, type tag, subscription state, and an event
// surface that fires on load/create/op/del/error.
type Document struct {
	key  protocol.DocKey
	conn *Connection

	mu         sync.Mutex
	data       []byte
	version    int
	typeTag    string
	subscribed bool
	pendingOps bool

	emitter *emitter.Emitter
}

func newDocument(key protocol.DocKey, conn *Connection) *Document {
	return &Document{key: key, conn: conn, emitter: emitter.New()}
}

// Collection returns this document's collection name.
func (d *Document) Collection() string { return d.key.Collection }

// ID returns this document's id within its collection.
func (d *Document) ID() string { return d.key.ID }

// Key returns the (collection, id) pair identifying this document.
func (d *Document) Key() protocol.DocKey { return d.key }

// Data returns a copy of the current local snapshot data.
func (d *Document) Data() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

// Version returns the last known document version.
func (d *Document) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// IsSubscribed reports whether this facade believes it is subscribed.
func (d *Document) IsSubscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribed
}

// HasPendingOps reports the last snapshot's pending-ops indicator.
func (d *Document) HasPendingOps() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingOps
}

func wrapSnapshotHandler(handler func(protocol.Snapshot, error)) func(error, json.RawMessage) {
	if handler == nil {
		return func(error, json.RawMessage) {}
	}
	return func(err error, result json.RawMessage) {
		if err != nil {
			handler(protocol.Snapshot{}, err)
			return
		}
		var snap protocol.Snapshot
		_ = json.Unmarshal(result, &snap)
		handler(snap, nil)
	}
}

// Subscribe asks the Coordinator to subscribe this document and installs
// event forwarding; on success the local snapshot is applied and `load`
// fires.
func (d *Document) Subscribe(handler func(protocol.Snapshot, error)) {
	frame := protocol.Frame{Type: protocol.OpDocSubscribe, Collection: d.key.Collection, ID: d.key.ID}
	wrapped := wrapSnapshotHandler(handler)
	d.conn.broker.Send(frame, func(err error, result json.RawMessage) {
		if err == nil {
			var snap protocol.Snapshot
			if jerr := json.Unmarshal(result, &snap); jerr == nil {
				d.applySnapshot(snap)
			}
		}
		wrapped(err, result)
	})
}

// Unsubscribe asks the Coordinator to drop this tab's interest in the
// document.
func (d *Document) Unsubscribe(handler func(error)) {
	frame := protocol.Frame{Type: protocol.OpDocUnsubscribe, Collection: d.key.Collection, ID: d.key.ID}
	d.conn.broker.Send(frame, wrapErrHandler(handler))
}

// Fetch asks the Coordinator for a fresh snapshot without subscribing.
func (d *Document) Fetch(handler func(protocol.Snapshot, error)) {
	frame := protocol.Frame{Type: protocol.OpDocFetch, Collection: d.key.Collection, ID: d.key.ID}
	wrapped := wrapSnapshotHandler(handler)
	d.conn.broker.Send(frame, func(err error, result json.RawMessage) {
		if err == nil {
			var snap protocol.Snapshot
			if jerr := json.Unmarshal(result, &snap); jerr == nil {
				d.applySnapshot(snap)
			}
		}
		wrapped(err, result)
	})
}

type createPayload struct {
	Data   json.RawMessage `json:"data"`
	Type   string          `json:"type"`
	Source json.RawMessage `json:"source,omitempty"`
}

// Create asks the Coordinator to create the document with the given data
// and type tag.
func (d *Document) Create(data []byte, typeTag string, handler func(error)) {
	frame := protocol.Frame{
		Type:       protocol.OpDocCreate,
		Collection: d.key.Collection,
		ID:         d.key.ID,
		Payload:    protocol.MustArgs(createPayload{Data: data, Type: typeTag}),
	}
	d.conn.broker.Send(frame, wrapErrHandler(handler))
}

type submitOpPayload struct {
	Op     json.RawMessage `json:"op"`
	Source json.RawMessage `json:"source,omitempty"`
}

// SubmitOp applies op to the local snapshot optimistically, then sends it
// to the Coordinator. If the local apply fails, the send is aborted and
// the local snapshot is left untouched.
func (d *Document) SubmitOp(op []byte, handler func(error)) {
	d.mu.Lock()
	newData, err := d.applyOp(op)
	if err != nil {
		d.mu.Unlock()
		if handler != nil {
			handler(err)
		}
		return
	}
	d.data = newData
	d.version++
	d.mu.Unlock()

	frame := protocol.Frame{
		Type:       protocol.OpDocSubmitOp,
		Collection: d.key.Collection,
		ID:         d.key.ID,
		Payload:    protocol.MustArgs(submitOpPayload{Op: op}),
	}
	d.conn.broker.Send(frame, wrapErrHandler(handler))
}

// Del asks the Coordinator to delete the document.
func (d *Document) Del(handler func(error)) {
	frame := protocol.Frame{Type: protocol.OpDocDel, Collection: d.key.Collection, ID: d.key.ID}
	d.conn.broker.Send(frame, wrapErrHandler(handler))
}

func (d *Document) applySnapshot(snap protocol.Snapshot) {
	d.mu.Lock()
	d.data = snap.Data
	d.version = snap.Version
	d.typeTag = snap.Type
	d.subscribed = snap.Subscribed
	d.pendingOps = snap.PendingOps
	d.mu.Unlock()
	d.emitter.Emit("load")
}

type opEventArgs struct {
	Op     json.RawMessage `json:"op"`
	Source json.RawMessage `json:"source,omitempty"`
	TabID  protocol.TabID  `json:"tabId,omitempty"`
}

type delEventArgs struct {
	Data   json.RawMessage `json:"data"`
	Source json.RawMessage `json:"source,omitempty"`
}

type createEventArgs struct {
	Source json.RawMessage `json:"source,omitempty"`
}

func (d *Document) deliver(event string, args json.RawMessage) {
	switch event {
	case "load":
		var snap protocol.Snapshot
		_ = json.Unmarshal(args, &snap)
		d.applySnapshot(snap)
	case "create":
		var p createEventArgs
		_ = json.Unmarshal(args, &p)
		d.emitter.Emit("create", p.Source)
	case "op":
		var p opEventArgs
		_ = json.Unmarshal(args, &p)
		if p.TabID != "" && p.TabID == d.conn.TabID() {
			// locally-originated op: already applied optimistically by
			// SubmitOp, so the authoritative re-apply is suppressed.
			d.emitter.Emit("op", p.Op, p.Source)
			return
		}
		d.mu.Lock()
		newData, err := d.applyOp(p.Op)
		if err == nil {
			d.data = newData
			d.version++
		}
		d.mu.Unlock()
		d.emitter.Emit("op", p.Op, p.Source)
	case "del":
		var p delEventArgs
		_ = json.Unmarshal(args, &p)
		d.mu.Lock()
		d.data = nil
		d.version++
		d.mu.Unlock()
		d.emitter.Emit("del", p.Data, p.Source)
	case "error":
		var we protocol.WireError
		_ = json.Unmarshal(args, &we)
		d.emitter.Emit("error", we.AsError())
	}
}

// On registers a listener for one of "load", "create", "op", "del",
// "error".
func (d *Document) On(event string, fn func(args ...interface{})) uint64 {
	return d.emitter.On(event, fn)
}

// Off removes a previously registered listener.
func (d *Document) Off(event string, id uint64) {
	d.emitter.Off(event, id)
}
