package domain

import "encoding/json"

// Operations accepted on the signaling socket.
const (
	OpWrite            = "write"
	OpCreate           = "create"
	OpRead             = "read"
	OpAppend           = "append"
	OpRemove           = "remove"
	OpSubscribe        = "subscribe"
	OpUnsubscribe      = "unsubscribe"
	OpOnDisconnect     = "on_disconnect"
	OpCancelDisconnect = "cancel_disconnect"
)

// SignalRequest is a client frame on the signaling socket.
type SignalRequest struct {
	ID    uint64          `json:"id"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Sub   uint64          `json:"sub,omitempty"`
}

// SignalMessage is a server frame: either the reply to a request (ID set)
// or a subscription event (Type == "event").
type SignalMessage struct {
	Type    string          `json:"type"` // "reply", "event"
	ID      uint64          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	Path    string          `json:"path,omitempty"`
	Exists  bool            `json:"exists,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Key     string          `json:"key,omitempty"`
	Created bool            `json:"created,omitempty"`
}

const (
	SignalReply = "reply"
	SignalEvent = "event"
)

// Snapshot is the value of a path at one point in time.
type Snapshot struct {
	Path   string
	Exists bool
	Value  json.RawMessage
}

// Decode unmarshals the snapshot value into v. It is a no-op for absent paths.
func (s Snapshot) Decode(v any) error {
	if !s.Exists || len(s.Value) == 0 {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}
