package protocol

import "encoding/json"

// Frame is the single envelope shape carried over the bus for every
// opcode. Fields not relevant to a given Type are left at their zero
// value and omitted from the JSON encoding: a common type/tabId/
// timestamp/callbackId header plus opcode-specific payload fields.
type Frame struct {
	Type      Op     `json:"type"`
	TabID     TabID  `json:"tabId"`
	Timestamp int64  `json:"timestamp"`
	SeqNo     uint64 `json:"seq,omitempty"`

	// Present on frames that expect a reply.
	CallbackID string `json:"callbackId,omitempty"`

	// Document-call and doc.event fields.
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`

	// connection.event / doc.event fields.
	Event string          `json:"event,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`

	// Request payload, opcode-specific (e.g. getBulk ids, submitOp op).
	Payload json.RawMessage `json:"payload,omitempty"`

	// callback reply fields.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// Key returns the (collection, id) pair this frame addresses. Valid for
// doc.* opcodes and doc.event.
func (f Frame) Key() DocKey {
	return DocKey{Collection: f.Collection, ID: f.ID}
}

// IsRequest reports whether this frame expects a callback reply.
func (f Frame) IsRequest() bool {
	return f.CallbackID != ""
}

// DecodePayload unmarshals the frame's Payload into v.
func (f Frame) DecodePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// DecodeArgs unmarshals the frame's Args into v.
func (f Frame) DecodeArgs(v interface{}) error {
	if len(f.Args) == 0 {
		return nil
	}
	return json.Unmarshal(f.Args, v)
}

// DecodeResult unmarshals a callback frame's Result into v.
func (f Frame) DecodeResult(v interface{}) error {
	if len(f.Result) == 0 {
		return nil
	}
	return json.Unmarshal(f.Result, v)
}

// MustArgs marshals v into json.RawMessage, panicking on failure. Only
// used for values the caller constructed itself (never user input), so a
// marshal failure indicates a programming error in this module.
func MustArgs(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: cannot marshal args: " + err.Error())
	}
	return b
}
