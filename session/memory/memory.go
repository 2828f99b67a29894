// Package memory is a reference implementation of session.Session that
// keeps every document in process memory. It exists purely as test
// scaffolding for the coordinator package's tests, and is built on
// the same map-plus-mutex shape used elsewhere in this module for
// registries of live, in-process state.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaxpir/sharedb-sub001/internal/emitter"
	"github.com/shaxpir/sharedb-sub001/otype"
	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session"
)

// Session is the in-memory session.Session.
type Session struct {
	mu         sync.Mutex
	docs       map[protocol.DocKey]*Doc
	autoFlush  bool
	writeQueue []protocol.DocRef
	state      session.State
	emitter    *emitter.Emitter
	otype      otype.Type
}

// New returns a ready, connected in-memory session.
func New() *Session {
	return &Session{
		docs:      make(map[protocol.DocKey]*Doc),
		autoFlush: true,
		state:     session.StateConnected,
		emitter:   emitter.New(),
		otype:     otype.Default,
	}
}

func (s *Session) State() session.State { return s.state }

// SetState transitions the session and broadcasts a "state" event, used
// by tests that exercise the Coordinator's session-event forwarding.
func (s *Session) SetState(st session.State, reason string) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emitter.Emit("state", st, reason)
}

func (s *Session) Get(collection, id string) session.Doc {
	key := protocol.DocKey{Collection: collection, ID: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[key]; ok {
		return d
	}
	d := &Doc{
		key:     key,
		emitter: emitter.New(),
		otype:   s.otype,
		sess:    s,
	}
	s.docs[key] = d
	return d
}

func (s *Session) GetBulk(ctx context.Context, collection string, ids []string) ([]session.Doc, error) {
	out := make([]session.Doc, len(ids))
	for i, id := range ids {
		d := s.Get(collection, id)
		if err := d.Fetch(ctx); err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (s *Session) SetAutoFlush(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoFlush = enabled
	if enabled {
		s.writeQueue = nil
	}
	return nil
}

func (s *Session) IsAutoFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoFlush
}

func (s *Session) enqueueOrSend(ref protocol.DocRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoFlush {
		return
	}
	s.writeQueue = append(s.writeQueue, ref)
}

func (s *Session) PutDoc(ctx context.Context, ref protocol.DocRef) error {
	s.enqueueOrSend(ref)
	return nil
}

func (s *Session) PutDocs(ctx context.Context, refs []protocol.DocRef) error {
	for _, ref := range refs {
		s.enqueueOrSend(ref)
	}
	return nil
}

func (s *Session) PutDocsBulk(ctx context.Context, refs []protocol.DocRef) error {
	return s.PutDocs(ctx, refs)
}

func (s *Session) FlushWrites(ctx context.Context) error {
	s.mu.Lock()
	s.writeQueue = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) GetWriteQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writeQueue)
}

func (s *Session) HasPendingWrites() bool {
	return s.GetWriteQueueSize() > 0
}

func (s *Session) On(event string, fn func(args ...interface{})) uint64 {
	return s.emitter.On(event, fn)
}

func (s *Session) Off(event string, id uint64) {
	s.emitter.Off(event, id)
}

func (s *Session) Close() error {
	s.SetState(session.StateClosed, "closed")
	return nil
}

// Doc is the in-memory session.Doc.
type Doc struct {
	mu         sync.Mutex
	key        protocol.DocKey
	version    int
	typeTag    string
	data       []byte
	exists     bool
	subscribed bool
	emitter    *emitter.Emitter
	otype      otype.Type
	sess       *Session
}

func (d *Doc) Collection() string { return d.key.Collection }
func (d *Doc) ID() string         { return d.key.ID }

func (d *Doc) Snapshot() protocol.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.Snapshot{
		Collection: d.key.Collection,
		ID:         d.key.ID,
		Version:    d.version,
		Type:       d.typeTag,
		Data:       append([]byte(nil), d.data...),
		Subscribed: d.subscribed,
	}
}

func (d *Doc) Subscribe(ctx context.Context) error {
	d.mu.Lock()
	d.subscribed = true
	exists := d.exists
	d.mu.Unlock()
	if exists {
		d.emitter.Emit("load")
	}
	return nil
}

func (d *Doc) Unsubscribe(ctx context.Context) error {
	d.mu.Lock()
	d.subscribed = false
	d.mu.Unlock()
	return nil
}

func (d *Doc) Fetch(ctx context.Context) error {
	d.mu.Lock()
	exists := d.exists
	d.mu.Unlock()
	if !exists {
		return nil
	}
	d.emitter.Emit("load")
	return nil
}

func (d *Doc) Create(ctx context.Context, data []byte, typeTag string, source interface{}) error {
	d.mu.Lock()
	if d.exists {
		d.mu.Unlock()
		return fmt.Errorf("document %s already exists", d.key)
	}
	d.data = append([]byte(nil), data...)
	d.typeTag = typeTag
	d.version = 1
	d.exists = true
	d.mu.Unlock()

	d.emitter.Emit("create", source)
	// A create also counts as this document's first load: every tab
	// interested in it (including the creator) needs the resulting
	// snapshot, not just notice that creation happened.
	d.emitter.Emit("load")
	return nil
}

func (d *Doc) SubmitOp(ctx context.Context, op []byte, source interface{}) error {
	d.mu.Lock()
	if !d.exists {
		d.mu.Unlock()
		return fmt.Errorf("document %s does not exist", d.key)
	}
	newData, err := d.otype.Apply(d.data, op)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.data = newData
	d.version++
	d.mu.Unlock()

	d.emitter.Emit("op", op, source)
	return nil
}

func (d *Doc) Del(ctx context.Context, source interface{}) error {
	d.mu.Lock()
	if !d.exists {
		d.mu.Unlock()
		return fmt.Errorf("document %s does not exist", d.key)
	}
	last := d.data
	d.exists = false
	d.data = nil
	d.version++
	d.mu.Unlock()

	d.emitter.Emit("del", last, source)
	return nil
}

func (d *Doc) On(event string, fn func(args ...interface{})) uint64 {
	return d.emitter.On(event, fn)
}

func (d *Doc) Off(event string, id uint64) {
	d.emitter.Off(event, id)
}
