package local

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaxpir/sharedb-sub001/protocol"
)

func TestJoinReturnsSeparateChannelsPerName(t *testing.T) {
	h := New()
	defer h.Close()

	a, err := h.Join("x")
	require.NoError(t, err)
	b, err := h.Join("y")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Post(protocol.Frame{Type: "ping"}))

	select {
	case <-b.Messages():
		t.Fatal("message leaked across channels")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPostNeverDeliversToSender(t *testing.T) {
	h := New()
	defer h.Close()

	a, err := h.Join("chan")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Post(protocol.Frame{Type: "ping"}))

	select {
	case <-a.Messages():
		t.Fatal("sender received its own post")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPostFansOutToOtherMembers(t *testing.T) {
	h := New()
	defer h.Close()

	a, err := h.Join("chan")
	require.NoError(t, err)
	b, err := h.Join("chan")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Post(protocol.Frame{Type: "ping"}))

	select {
	case frame := <-b.Messages():
		assert.Equal(t, protocol.Op("ping"), frame.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func TestJoinAfterCloseErrors(t *testing.T) {
	h := New()
	require.NoError(t, h.Close())

	_, err := h.Join("chan")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := New()
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestCloseClosesMessageChannelsForMembers(t *testing.T) {
	h := New()
	conn, err := h.Join("chan")
	require.NoError(t, err)

	require.NoError(t, h.Close())

	_, ok := <-conn.Messages()
	assert.False(t, ok, "messages channel should be closed on hub shutdown")
}

func TestConnCloseIsIdempotent(t *testing.T) {
	h := New()
	defer h.Close()

	conn, err := h.Join("chan")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}
