package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

// Client → server message types.
const (
	TypeAuth               MessageType = "AUTH"
	TypeComponentMount     MessageType = "COMPONENT_MOUNT"
	TypeComponentUnmount   MessageType = "COMPONENT_UNMOUNT"
	TypeComponentRehydrate MessageType = "COMPONENT_REHYDRATE"
	TypeCallAction         MessageType = "CALL_ACTION"
	TypeRoomJoin           MessageType = "ROOM_JOIN"
	TypeRoomLeave          MessageType = "ROOM_LEAVE"
	TypeRoomEmit           MessageType = "ROOM_EMIT"
	TypeRoomStateSet       MessageType = "ROOM_STATE_SET"
	TypeFileUploadStart    MessageType = "FILE_UPLOAD_START"
	TypeFileUploadChunk    MessageType = "FILE_UPLOAD_CHUNK"
	TypeFileUploadComplete MessageType = "FILE_UPLOAD_COMPLETE"
	TypeFileUploadCancel   MessageType = "FILE_UPLOAD_CANCEL"
)

// Server → client message types.
const (
	TypeConnected       MessageType = "CONNECTION_ESTABLISHED"
	TypeAuthResponse    MessageType = "AUTH_RESPONSE"
	TypeMountResponse   MessageType = "COMPONENT_MOUNTED"
	TypeActionResponse  MessageType = "ACTION_RESPONSE"
	TypeStateUpdate     MessageType = "STATE_UPDATE"
	TypeStateDelta      MessageType = "STATE_DELTA"
	TypeStateRehydrated MessageType = "STATE_REHYDRATED"
	TypeRoomState       MessageType = "ROOM_STATE"
	TypeRoomEvent       MessageType = "ROOM_EVENT"
	TypeUploadProgress  MessageType = "FILE_UPLOAD_PROGRESS"
	TypeUploadCompleted MessageType = "FILE_UPLOAD_COMPLETED"
	TypeAck             MessageType = "ACK"
	TypeError           MessageType = "ERROR"
)

// Bidirectional message types.
const (
	TypeBroadcast     MessageType = "BROADCAST"
	TypeComponentPing MessageType = "COMPONENT_PING"
	TypeComponentPong MessageType = "COMPONENT_PONG"
)

// Envelope errors.
var (
	ErrEmptyMessage    = errors.New("protocol: empty message")
	ErrMissingType     = errors.New("protocol: message type missing")
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// Message is the JSON envelope exchanged over a connection.
type Message struct {
	Type           MessageType     `json:"type"`
	ComponentID    string          `json:"componentId,omitempty"`
	Action         string          `json:"action,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
	ExpectResponse bool            `json:"expectResponse,omitempty"`
	Room           string          `json:"room,omitempty"`
	UserID         string          `json:"userId,omitempty"`
}

// NewMessage builds a message of the given type with payload marshaled to
// JSON. A nil payload leaves the payload field empty.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = raw
	return msg, nil
}

// MustMessage is like NewMessage but panics if payload cannot be marshaled.
// Use only with payload types known to be serializable.
func MustMessage(t MessageType, payload any) *Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ReplyTo builds a reply correlated to req. The reply carries req's
// component id and echoes its request id as the response id.
func ReplyTo(req *Message, t MessageType, payload any) (*Message, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.ComponentID = req.ComponentID
	msg.ResponseID = req.RequestID
	msg.Room = req.Room
	return msg, nil
}

// ErrorReply builds an ERROR message correlated to req (which may be nil).
func ErrorReply(req *Message, err error) *Message {
	payload := ErrorPayload{Code: CodeOf(err), Message: messageOf(err)}
	msg := MustMessage(TypeError, payload)
	if req != nil {
		msg.ComponentID = req.ComponentID
		msg.ResponseID = req.RequestID
		msg.Action = req.Action
	}
	return msg
}

// Decode parses a JSON envelope. It rejects empty input, oversized input
// and envelopes without a type.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(CodeProtocol, "malformed message: "+err.Error())
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Encode serializes the envelope to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload unmarshals the message payload into v. An empty payload
// leaves v untouched.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return NewError(CodeProtocol, "invalid payload for "+string(m.Type)+": "+err.Error())
	}
	return nil
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.ResponseID != ""
}
