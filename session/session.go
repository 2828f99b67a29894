// Package session declares the boundary between the Coordinator and the
// authoritative session it hosts. The session itself — the thing that
// actually speaks to a remote backend — stays out of this module's
// scope; this package fixes only the interface the Coordinator
// dispatches onto, plus (in the memory subpackage) a reference
// implementation used so the Coordinator can be exercised end to end
// without a real backend.
package session

import (
	"context"

	"github.com/shaxpir/sharedb-sub001/protocol"
)

// State is one value from the authoritative connection's state machine,
// as mirrored onto a Facade Connection.
type State string

// Known states. The core does not require this to be the full state
// machine of any particular backend; it only needs a value it can mirror
// onto the Facade Connection's state tag.
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// CanSend reports whether an authoritative session in this state accepts
// new requests.
func (s State) CanSend() bool {
	return s == StateConnected || s == StateConnecting
}

// Doc is one document hosted by the authoritative session. The
// Coordinator's doc.* opcode handlers delegate directly onto a Doc.
type Doc interface {
	Collection() string
	ID() string
	Snapshot() protocol.Snapshot

	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Fetch(ctx context.Context) error
	Create(ctx context.Context, data []byte, typeTag string, source interface{}) error
	SubmitOp(ctx context.Context, op []byte, source interface{}) error
	Del(ctx context.Context, source interface{}) error

	// On registers a listener for one of "load", "create", "op", "del",
	// "error". It returns an id usable with Off.
	On(event string, fn func(args ...interface{})) uint64
	Off(event string, id uint64)
}

// Session is the authoritative session hosted by the Coordinator.
type Session interface {
	State() State

	// Get returns (creating if necessary) the hosted Doc for (collection,
	// id). Never performs I/O by itself — Fetch/Subscribe do.
	Get(collection, id string) Doc

	// GetBulk fetches multiple documents in one round trip and returns
	// them in the same order as ids.
	GetBulk(ctx context.Context, collection string, ids []string) ([]Doc, error)

	SetAutoFlush(enabled bool) error
	IsAutoFlush() bool
	PutDoc(ctx context.Context, ref protocol.DocRef) error
	PutDocs(ctx context.Context, refs []protocol.DocRef) error
	PutDocsBulk(ctx context.Context, refs []protocol.DocRef) error
	FlushWrites(ctx context.Context) error
	GetWriteQueueSize() int
	HasPendingWrites() bool

	// On registers a listener for "state" or "error".
	On(event string, fn func(args ...interface{})) uint64
	Off(event string, id uint64)

	Close() error
}
