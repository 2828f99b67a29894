package coordinator

import (
	"context"
	"encoding/json"

	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session"
)

type dispatchFunc func(c *Coordinator, frame protocol.Frame) (json.RawMessage, error)

var dispatchTable = map[protocol.Op]dispatchFunc{
	protocol.OpConnectionGet:              handleConnectionGet,
	protocol.OpConnectionGetBulk:          handleConnectionGetBulk,
	protocol.OpConnectionSetAutoFlush:     handleSetAutoFlush,
	protocol.OpConnectionIsAutoFlush:      handleIsAutoFlush,
	protocol.OpConnectionPutDoc:           handlePutDoc,
	protocol.OpConnectionPutDocs:          handlePutDocs,
	protocol.OpConnectionPutDocsBulk:      handlePutDocsBulk,
	protocol.OpConnectionFlushWrites:      handleFlushWrites,
	protocol.OpConnectionWriteQueueSize:   handleGetWriteQueueSize,
	protocol.OpConnectionHasPendingWrites: handleHasPendingWrites,
	protocol.OpDocSubscribe:               handleDocSubscribe,
	protocol.OpDocUnsubscribe:             handleDocUnsubscribe,
	protocol.OpDocFetch:                   handleDocFetch,
	protocol.OpDocCreate:                  handleDocCreate,
	protocol.OpDocSubmitOp:                handleDocSubmitOp,
	protocol.OpDocDel:                     handleDocDel,
}

// opSource is what this Coordinator passes as the opaque `source` on
// every hosted Create/SubmitOp/Del call, so that the doc-event listeners
// installed in installForwarding can recover which tab (if any)
// originated the mutation and what application-supplied source value it
// carried. session.memory and any other session.Session implementation
// round-trip it unmodified through their event emits.
type opSource struct {
	TabID protocol.TabID
	App   json.RawMessage
}

func unwrapSource(source interface{}) (protocol.TabID, json.RawMessage) {
	if s, ok := source.(opSource); ok {
		return s.TabID, s.App
	}
	return "", nil
}

type statePayloadOut struct {
	State  session.State `json:"state"`
	Reason string        `json:"reason"`
}

type opEventOut struct {
	Op     json.RawMessage `json:"op"`
	Source json.RawMessage `json:"source,omitempty"`
	TabID  protocol.TabID  `json:"tabId,omitempty"`
}

type createEventOut struct {
	Source json.RawMessage `json:"source,omitempty"`
}

type delEventOut struct {
	Data   json.RawMessage `json:"data"`
	Source json.RawMessage `json:"source,omitempty"`
}

func handleConnectionGet(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var ref protocol.DocRef
	if err := frame.DecodePayload(&ref); err != nil {
		return nil, err
	}
	doc := c.session.Get(ref.Collection, ref.ID)
	c.installForwarding(frame.TabID, doc)
	return protocol.MustArgs(doc.Snapshot()), nil
}

type getBulkPayload struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
}

func handleConnectionGetBulk(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var p getBulkPayload
	if err := frame.DecodePayload(&p); err != nil {
		return nil, err
	}
	docs, err := c.session.GetBulk(context.Background(), p.Collection, p.IDs)
	if err != nil {
		return nil, err
	}
	snaps := make([]protocol.Snapshot, len(docs))
	for i, doc := range docs {
		c.installForwarding(frame.TabID, doc)
		snaps[i] = doc.Snapshot()
	}
	return protocol.MustArgs(snaps), nil
}

type autoFlushPayload struct {
	Enabled bool `json:"enabled"`
}

func handleSetAutoFlush(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var p autoFlushPayload
	if err := frame.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := c.session.SetAutoFlush(p.Enabled); err != nil {
		return nil, err
	}
	c.broadcastWriteQueueState()
	return nil, nil
}

func handleIsAutoFlush(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	return protocol.MustArgs(c.session.IsAutoFlush()), nil
}

func handlePutDoc(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var ref protocol.DocRef
	if err := frame.DecodePayload(&ref); err != nil {
		return nil, err
	}
	if err := c.session.PutDoc(context.Background(), ref); err != nil {
		return nil, err
	}
	c.broadcastWriteQueueState()
	return nil, nil
}

func handlePutDocs(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var refs []protocol.DocRef
	if err := frame.DecodePayload(&refs); err != nil {
		return nil, err
	}
	if err := c.session.PutDocs(context.Background(), refs); err != nil {
		return nil, err
	}
	c.broadcastWriteQueueState()
	return nil, nil
}

func handlePutDocsBulk(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var refs []protocol.DocRef
	if err := frame.DecodePayload(&refs); err != nil {
		return nil, err
	}
	if err := c.session.PutDocsBulk(context.Background(), refs); err != nil {
		return nil, err
	}
	c.broadcastWriteQueueState()
	return nil, nil
}

func handleFlushWrites(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	if err := c.session.FlushWrites(context.Background()); err != nil {
		return nil, err
	}
	c.broadcastWriteQueueState()
	return nil, nil
}

func handleGetWriteQueueSize(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	return protocol.MustArgs(c.session.GetWriteQueueSize()), nil
}

func handleHasPendingWrites(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	return protocol.MustArgs(c.session.HasPendingWrites()), nil
}

func handleDocSubscribe(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	doc := c.session.Get(frame.Collection, frame.ID)
	if err := doc.Subscribe(context.Background()); err != nil {
		return nil, err
	}
	c.installForwarding(frame.TabID, doc)
	return protocol.MustArgs(doc.Snapshot()), nil
}

func handleDocUnsubscribe(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	doc := c.session.Get(frame.Collection, frame.ID)
	c.removeSubscription(frame.TabID, doc)
	return nil, nil
}

func handleDocFetch(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	doc := c.session.Get(frame.Collection, frame.ID)
	if err := doc.Fetch(context.Background()); err != nil {
		return nil, err
	}
	return protocol.MustArgs(doc.Snapshot()), nil
}

type createPayload struct {
	Data   json.RawMessage `json:"data"`
	Type   string          `json:"type"`
	Source json.RawMessage `json:"source,omitempty"`
}

func handleDocCreate(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var p createPayload
	if err := frame.DecodePayload(&p); err != nil {
		return nil, err
	}
	doc := c.session.Get(frame.Collection, frame.ID)
	src := opSource{TabID: frame.TabID, App: p.Source}
	if err := doc.Create(context.Background(), p.Data, p.Type, src); err != nil {
		return nil, err
	}
	return nil, nil
}

type submitOpPayload struct {
	Op     json.RawMessage `json:"op"`
	Source json.RawMessage `json:"source,omitempty"`
}

func handleDocSubmitOp(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	var p submitOpPayload
	if err := frame.DecodePayload(&p); err != nil {
		return nil, err
	}
	doc := c.session.Get(frame.Collection, frame.ID)
	src := opSource{TabID: frame.TabID, App: p.Source}
	if err := doc.SubmitOp(context.Background(), p.Op, src); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleDocDel(c *Coordinator, frame protocol.Frame) (json.RawMessage, error) {
	doc := c.session.Get(frame.Collection, frame.ID)
	src := opSource{TabID: frame.TabID}
	if err := doc.Del(context.Background(), src); err != nil {
		return nil, err
	}
	return nil, nil
}
