package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaxpir/sharedb-sub001/broker"
	"github.com/shaxpir/sharedb-sub001/bus/local"
	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session/memory"
)

func newTestCoordinator(t *testing.T, hub *local.Hub) *Coordinator {
	t.Helper()
	c, err := New(hub, memory.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func sendAndWait(t *testing.T, b *broker.Broker, frame protocol.Frame) (json.RawMessage, error) {
	t.Helper()
	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	b.Send(frame, func(err error, res json.RawMessage) {
		result, callErr = res, err
		close(done)
	})
	select {
	case <-done:
		return result, callErr
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coordinator reply")
		return nil, nil
	}
}

func TestUnknownOpcodeRepliesWithError(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	newTestCoordinator(t, hub)

	tab := broker.New(hub)
	defer tab.Close()

	_, err := sendAndWait(t, tab, protocol.Frame{Type: "bogus.opcode"})
	require.Error(t, err)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeUnknownOpcode, remote.Code())
}

func TestSubscribeCreateSubmitOpFanOut(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	newTestCoordinator(t, hub)

	author := broker.New(hub)
	defer author.Close()
	reader := broker.New(hub)
	defer reader.Close()

	// Both tabs subscribe before the document exists.
	_, err := sendAndWait(t, author, protocol.Frame{Type: protocol.OpDocSubscribe, Collection: "posts", ID: "1"})
	require.NoError(t, err)
	_, err = sendAndWait(t, reader, protocol.Frame{Type: protocol.OpDocSubscribe, Collection: "posts", ID: "1"})
	require.NoError(t, err)

	readerSawCreate := make(chan json.RawMessage, 1)
	authorSawLoad := make(chan json.RawMessage, 1)
	readerSawLoad := make(chan json.RawMessage, 1)
	author.OnDocEvent(func(key protocol.DocKey, event string, args json.RawMessage) {
		if event == "load" {
			authorSawLoad <- args
		}
	})
	reader.OnDocEvent(func(key protocol.DocKey, event string, args json.RawMessage) {
		switch event {
		case "create":
			readerSawCreate <- args
		case "load":
			readerSawLoad <- args
		}
	})

	_, err = sendAndWait(t, author, protocol.Frame{
		Type: protocol.OpDocCreate, Collection: "posts", ID: "1",
		Payload: protocol.MustArgs(struct {
			Data json.RawMessage `json:"data"`
			Type string          `json:"type"`
		}{Data: json.RawMessage(`{"title":"hi"}`), Type: "json"}),
	})
	require.NoError(t, err)

	select {
	case <-readerSawCreate:
	case <-time.After(time.Second):
		t.Fatal("reader never observed doc.event create")
	}

	// A create must also deliver the resulting snapshot to every
	// subscribed tab, including the one that created it, or neither ends
	// up with the document's data.
	for name, ch := range map[string]chan json.RawMessage{"author": authorSawLoad, "reader": readerSawLoad} {
		select {
		case args := <-ch:
			var snap protocol.Snapshot
			require.NoError(t, json.Unmarshal(args, &snap))
			assert.JSONEq(t, `{"title":"hi"}`, string(snap.Data), "%s must receive the created document's data", name)
		case <-time.After(time.Second):
			t.Fatalf("%s never observed doc.event load after create", name)
		}
	}

	readerSawOp := make(chan json.RawMessage, 1)
	reader.OnDocEvent(func(key protocol.DocKey, event string, args json.RawMessage) {
		if event == "op" {
			readerSawOp <- args
		}
	})

	op := json.RawMessage(`[{"op":"replace","path":"/title","value":"bye"}]`)
	_, err = sendAndWait(t, author, protocol.Frame{
		Type: protocol.OpDocSubmitOp, Collection: "posts", ID: "1",
		Payload: protocol.MustArgs(struct {
			Op json.RawMessage `json:"op"`
		}{Op: op}),
	})
	require.NoError(t, err)

	select {
	case args := <-readerSawOp:
		var p struct {
			TabID protocol.TabID `json:"tabId"`
		}
		require.NoError(t, json.Unmarshal(args, &p))
		assert.Equal(t, author.TabID(), p.TabID, "op event must carry the originating tab id")
	case <-time.After(time.Second):
		t.Fatal("reader never observed doc.event op")
	}
}

func TestTabUnregisterCleansUpSubscriptions(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	c := newTestCoordinator(t, hub)

	tab := broker.New(hub)

	_, err := sendAndWait(t, tab, protocol.Frame{Type: protocol.OpDocSubscribe, Collection: "posts", ID: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Stats().WatchedDocuments == 1 }, time.Second, 5*time.Millisecond)

	tab.Send(protocol.Frame{Type: protocol.OpTabUnregister}, nil)
	require.Eventually(t, func() bool { return c.Stats().WatchedDocuments == 0 }, time.Second, 5*time.Millisecond)

	_ = tab.Close()
}

func TestCleanupTabIsIdempotent(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	c := newTestCoordinator(t, hub)

	tab := broker.New(hub)
	defer tab.Close()
	_, err := sendAndWait(t, tab, protocol.Frame{Type: protocol.OpDocSubscribe, Collection: "posts", ID: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Stats().WatchedDocuments == 1 }, time.Second, 5*time.Millisecond)

	c.cleanupTab(tab.TabID())
	c.cleanupTab(tab.TabID())

	assert.Equal(t, 0, c.Stats().WatchedDocuments)
}

func TestReapStaleTabsRemovesUnseenTabs(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	c := newTestCoordinator(t, hub)

	tab := broker.New(hub)
	defer tab.Close()
	_, err := sendAndWait(t, tab, protocol.Frame{Type: protocol.OpDocSubscribe, Collection: "posts", ID: "1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().WatchedDocuments == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	c.activeTabs[tab.TabID()] = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	c.cfg.StaleTabWindow = time.Minute

	c.reapStaleTabs()

	assert.Equal(t, 0, c.Stats().WatchedDocuments)
	assert.Equal(t, 0, c.Stats().ActiveTabs)
}

func TestFetchDoesNotInstallForwarding(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	c := newTestCoordinator(t, hub)

	tab := broker.New(hub)
	defer tab.Close()

	_, err := sendAndWait(t, tab, protocol.Frame{Type: protocol.OpDocFetch, Collection: "posts", ID: "1"})
	require.NoError(t, err)

	assert.Equal(t, 0, c.Stats().WatchedDocuments)
}

func TestConnectionWriteQueueOpcodes(t *testing.T) {
	hub := local.New()
	defer hub.Close()
	newTestCoordinator(t, hub)

	tab := broker.New(hub)
	defer tab.Close()

	result, err := sendAndWait(t, tab, protocol.Frame{Type: protocol.OpConnectionIsAutoFlush})
	require.NoError(t, err)
	var autoFlush bool
	require.NoError(t, json.Unmarshal(result, &autoFlush))
	assert.True(t, autoFlush)

	_, err = sendAndWait(t, tab, protocol.Frame{
		Type:    protocol.OpConnectionSetAutoFlush,
		Payload: protocol.MustArgs(map[string]bool{"enabled": false}),
	})
	require.NoError(t, err)

	_, err = sendAndWait(t, tab, protocol.Frame{
		Type:    protocol.OpConnectionPutDoc,
		Payload: protocol.MustArgs(protocol.DocRef{Collection: "posts", ID: "1"}),
	})
	require.NoError(t, err)

	result, err = sendAndWait(t, tab, protocol.Frame{Type: protocol.OpConnectionWriteQueueSize})
	require.NoError(t, err)
	var size int
	require.NoError(t, json.Unmarshal(result, &size))
	assert.Equal(t, 1, size)
}

func TestConfigDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "sharedb-proxy", cfg.ChannelName)
	assert.Empty(t, cfg.RedisURL)
}
