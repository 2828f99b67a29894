// Package protocol defines the wire schema shared by the Broker, the
// Facade, and the Coordinator: opcodes, frames, document keys, tab
// identities, and the serialized-error shape used to carry domain errors
// across the bus.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Op names an opcode carried on a frame's Type field.
type Op string

// Opcodes, grouped as in the frame schema.
const (
	// Lifecycle.
	OpTabRegister   Op = "tab.register"
	OpTabUnregister Op = "tab.unregister"

	// Session calls.
	OpConnectionGet              Op = "connection.get"
	OpConnectionGetBulk          Op = "connection.getBulk"
	OpConnectionSetAutoFlush     Op = "connection.setAutoFlush"
	OpConnectionIsAutoFlush      Op = "connection.isAutoFlush"
	OpConnectionPutDoc           Op = "connection.putDoc"
	OpConnectionPutDocs          Op = "connection.putDocs"
	OpConnectionPutDocsBulk      Op = "connection.putDocsBulk"
	OpConnectionFlushWrites      Op = "connection.flushWrites"
	OpConnectionWriteQueueSize   Op = "connection.getWriteQueueSize"
	OpConnectionHasPendingWrites Op = "connection.hasPendingWrites"

	// Document calls.
	OpDocSubscribe   Op = "doc.subscribe"
	OpDocUnsubscribe Op = "doc.unsubscribe"
	OpDocFetch       Op = "doc.fetch"
	OpDocCreate      Op = "doc.create"
	OpDocSubmitOp    Op = "doc.submitOp"
	OpDocDel         Op = "doc.del"

	// Reply.
	OpCallback Op = "callback"

	// Events.
	OpDocEvent        Op = "doc.event"
	OpConnectionEvent Op = "connection.event"
)

// TabID is a process-lifetime identifier for one Facade Connection,
// unique with overwhelming probability: a creation timestamp plus a
// random component.
type TabID string

// NewTabID generates a fresh tab identity.
func NewTabID() TabID {
	var buf [9]byte
	// crypto/rand over uuid.NewRandom: this package must stay import-light
	// since it is pulled in by every other package in the module; broker
	// uses google/uuid for callback ids where the extra dependency is
	// already paid for.
	_, _ = rand.Read(buf[:])
	return TabID(fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf[:])))
}

// DocKey is the routing and cache key for one document: the pair
// (collection, id). Being a comparable struct, it is usable directly as
// a Go map key with no string-escaping concerns.
type DocKey struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (k DocKey) String() string {
	return k.Collection + "/" + k.ID
}

// DocRef identifies a document by key for arguments that reference a
// document without re-transmitting its data.
type DocRef = DocKey

// Snapshot is a serialized document as mirrored by a Facade Document. It
// is what a cache-miss fetch turns into after a round trip to the
// Coordinator.
type Snapshot struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Version    int    `json:"version"`
	Type       string `json:"type"`
	Data       []byte `json:"data,omitempty"`
	Subscribed bool   `json:"subscribed"`
	PendingOps bool   `json:"pendingOps"`
}

// Key returns the document key this snapshot describes.
func (s Snapshot) Key() DocKey {
	return DocKey{Collection: s.Collection, ID: s.ID}
}

// WriteQueueState is the Facade Connection's mirror of the hosted
// session's write-flush bookkeeping. The Coordinator broadcasts this as
// the Args of a connection.event named "writeQueue" after any
// state-changing write opcode.
type WriteQueueState struct {
	AutoFlush       bool `json:"autoFlush"`
	WriteQueueSize  int  `json:"writeQueueSize"`
	HasPendingWrite bool `json:"hasPendingWrites"`
}
