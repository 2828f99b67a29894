package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameIsRequest(t *testing.T) {
	assert.True(t, Frame{CallbackID: "abc"}.IsRequest())
	assert.False(t, Frame{}.IsRequest())
}

func TestFrameKey(t *testing.T) {
	f := Frame{Collection: "posts", ID: "1"}
	assert.Equal(t, DocKey{Collection: "posts", ID: "1"}, f.Key())
}

func TestFrameDecodePayloadEmptyIsNoop(t *testing.T) {
	var v struct{ X int }
	require.NoError(t, Frame{}.DecodePayload(&v))
	assert.Zero(t, v.X)
}

func TestFrameDecodePayloadRoundTrips(t *testing.T) {
	f := Frame{Payload: MustArgs(struct{ X int }{X: 7})}
	var v struct{ X int }
	require.NoError(t, f.DecodePayload(&v))
	assert.Equal(t, 7, v.X)
}

func TestFrameDecodeArgsAndResult(t *testing.T) {
	f := Frame{Args: MustArgs("a"), Result: MustArgs("r")}
	var a, r string
	require.NoError(t, f.DecodeArgs(&a))
	require.NoError(t, f.DecodeResult(&r))
	assert.Equal(t, "a", a)
	assert.Equal(t, "r", r)
}

func TestMustArgsPanicsOnUnmarshalable(t *testing.T) {
	assert.Panics(t, func() { MustArgs(make(chan int)) })
}

func TestNewWireErrorNilReturnsNil(t *testing.T) {
	assert.Nil(t, NewWireError(nil))
}

func TestNewWireErrorCapturesCode(t *testing.T) {
	we := NewWireError(NewError(CodeUnsupported, "nope"))
	require.NotNil(t, we)
	assert.Equal(t, "nope", we.Message)
	assert.Equal(t, CodeUnsupported, we.Code)
}

func TestNewWireErrorPlainErrorHasNoCode(t *testing.T) {
	we := NewWireError(errors.New("boom"))
	require.NotNil(t, we)
	assert.Equal(t, "boom", we.Message)
	assert.Empty(t, we.Code)
}

func TestWireErrorAsErrorRoundTrips(t *testing.T) {
	we := NewWireError(NewError(CodeInternal, "bad"))
	err := we.AsError()
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeInternal, remote.Code())
	assert.Contains(t, remote.Error(), "bad")
	assert.Contains(t, remote.Error(), CodeInternal)
}

func TestNilWireErrorAsErrorIsNil(t *testing.T) {
	var we *WireError
	assert.Nil(t, we.AsError())
}

func TestRemoteErrorWithoutCodeOmitsParens(t *testing.T) {
	err := (&WireError{Message: "plain"}).AsError()
	assert.Equal(t, "plain", err.Error())
}

func TestDocKeyString(t *testing.T) {
	assert.Equal(t, "posts/1", DocKey{Collection: "posts", ID: "1"}.String())
}

func TestSnapshotKey(t *testing.T) {
	s := Snapshot{Collection: "posts", ID: "1"}
	assert.Equal(t, DocKey{Collection: "posts", ID: "1"}, s.Key())
}

func TestNewTabIDIsUniqueAndNonEmpty(t *testing.T) {
	a := NewTabID()
	b := NewTabID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
