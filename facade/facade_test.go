package facade

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/bus/local"
	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session"
)

func TestGetReturnsSameCachedInstance(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	d1 := c.Get("posts", "1")
	d2 := c.Get("posts", "1")
	assert.Same(t, d1, d2)

	_, ok := c.GetExisting("posts", "2")
	assert.False(t, ok)
}

func TestGetBulkEmptyIDsIsSynchronous(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	var gotDocs []*Document
	var gotErr error
	called := false
	c.GetBulk("posts", nil, func(docs []*Document, err error) {
		called = true
		gotDocs = docs
		gotErr = err
	})

	require.True(t, called, "handler must fire synchronously for an empty id list")
	require.NoError(t, gotErr)
	assert.Empty(t, gotDocs)
}

func TestGetBulkAllCachedIsSynchronousAndOrdered(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	a := c.Get("posts", "a")
	b := c.Get("posts", "b")

	var gotDocs []*Document
	called := false
	c.GetBulk("posts", []string{"b", "a"}, func(docs []*Document, err error) {
		called = true
		gotDocs = docs
	})

	require.True(t, called)
	require.Len(t, gotDocs, 2)
	assert.Same(t, b, gotDocs[0])
	assert.Same(t, a, gotDocs[1])
}

func TestGetBulkFetchesOnlyMissingIDs(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	var requested []string
	replier := mustJoinReplier(t, hub, func(frame protocol.Frame) (json.RawMessage, bool) {
		if frame.Type != protocol.OpConnectionGetBulk {
			return nil, false
		}
		var p struct {
			Collection string   `json:"collection"`
			IDs        []string `json:"ids"`
		}
		_ = frame.DecodePayload(&p)
		requested = p.IDs
		snaps := make([]protocol.Snapshot, len(p.IDs))
		for i, id := range p.IDs {
			snaps[i] = protocol.Snapshot{Collection: p.Collection, ID: id, Version: 1, Data: []byte(`{"id":"` + id + `"}`)}
		}
		return protocol.MustArgs(snaps), true
	})
	defer replier.Close()

	cached := c.Get("posts", "cached")

	done := make(chan struct{})
	var gotDocs []*Document
	c.GetBulk("posts", []string{"cached", "fresh"}, func(docs []*Document, err error) {
		require.NoError(t, err)
		gotDocs = docs
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GetBulk round trip")
	}

	assert.Equal(t, []string{"fresh"}, requested)
	require.Len(t, gotDocs, 2)
	assert.Same(t, cached, gotDocs[0])
	assert.Equal(t, "fresh", gotDocs[1].ID())
	assert.Equal(t, 1, gotDocs[1].Version())
}

func TestCloseIsIdempotentAndTerminatesState(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)

	var gotState session.State
	c.OnState(func(state session.State, reason string) { gotState = state })

	c.Close()
	c.Close()

	assert.Equal(t, session.StateClosed, gotState)
	assert.False(t, c.CanSend())
}

func TestDocumentSubmitOpAppliesOptimisticallyBeforeSending(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	var sawOp json.RawMessage
	replier := mustJoinReplier(t, hub, func(frame protocol.Frame) (json.RawMessage, bool) {
		if frame.Type != protocol.OpDocSubmitOp {
			return nil, false
		}
		var p struct {
			Op json.RawMessage `json:"op"`
		}
		_ = frame.DecodePayload(&p)
		sawOp = p.Op
		return nil, true
	})
	defer replier.Close()

	doc := c.Get("posts", "1")
	doc.data = []byte(`{"title":"old"}`)

	done := make(chan struct{})
	doc.SubmitOp([]byte(`[{"op":"replace","path":"/title","value":"new"}]`), func(err error) {
		require.NoError(t, err)
		close(done)
	})

	// Optimistic apply happens synchronously, before the reply even arrives.
	assert.JSONEq(t, `{"title":"new"}`, string(doc.Data()))
	assert.Equal(t, 1, doc.Version())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for submitOp reply")
	}
	assert.NotEmpty(t, sawOp)
}

func TestDocumentSubmitOpAbortsSendOnLocalApplyFailure(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	sawSubmit := false
	replier := mustJoinReplier(t, hub, func(frame protocol.Frame) (json.RawMessage, bool) {
		if frame.Type == protocol.OpDocSubmitOp {
			sawSubmit = true
		}
		return nil, false
	})
	defer replier.Close()

	doc := c.Get("posts", "1")
	doc.data = []byte(`{"title":"old"}`)

	var gotErr error
	doc.SubmitOp([]byte(`not valid json patch`), func(err error) { gotErr = err })

	require.Error(t, gotErr)
	assert.JSONEq(t, `{"title":"old"}`, string(doc.Data()))
	assert.Equal(t, 0, doc.Version())
	assert.False(t, sawSubmit, "a failed local apply must abort the send")
}

func TestDocumentSuppressesReapplyOfSelfOriginatedOp(t *testing.T) {
	hub := local.New()
	defer hub.Close()

	c := New(hub)
	defer c.Close()

	doc := c.Get("posts", "1")
	doc.data = []byte(`{"n":1}`)
	doc.version = 1

	var opFired bool
	doc.On("op", func(args ...interface{}) { opFired = true })

	// Deliver an authoritative echo of this tab's own op: version must not
	// be bumped twice.
	args := protocol.MustArgs(struct {
		Op    json.RawMessage `json:"op"`
		TabID protocol.TabID  `json:"tabId"`
	}{Op: protocol.MustArgs([]interface{}{}), TabID: c.TabID()})
	doc.deliver("op", args)

	assert.True(t, opFired)
	assert.Equal(t, 1, doc.Version(), "self-originated op echo must not be re-applied")
}

// mustJoinReplier stands in for a Coordinator, answering whichever frames
// handle recognizes and ignoring the rest.
func mustJoinReplier(t *testing.T, b bus.Bus, handle func(protocol.Frame) (json.RawMessage, bool)) bus.Conn {
	t.Helper()
	conn, err := b.Join(config.Default().ChannelName)
	require.NoError(t, err)

	go func() {
		for frame := range conn.Messages() {
			if frame.CallbackID == "" {
				continue
			}
			if result, handled := handle(frame); handled {
				_ = conn.Post(protocol.Frame{
					Type:       protocol.OpCallback,
					CallbackID: frame.CallbackID,
					Result:     result,
				})
			}
		}
	}()

	return conn
}
