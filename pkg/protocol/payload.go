package protocol

import "encoding/json"

// ConnectedPayload is the first message on every connection.
type ConnectedPayload struct {
	ConnectionID  string `json:"connectionId"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	ServerTime    int64  `json:"serverTime"`
}

// AuthPayload carries credentials for an AUTH message.
type AuthPayload struct {
	Token       string         `json:"token,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
}

// AuthResult answers an AUTH message.
type AuthResult struct {
	Authenticated bool     `json:"authenticated"`
	UserID        string   `json:"userId,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

// MountPayload requests a new component instance. The target room, if any,
// travels in the envelope's room field.
type MountPayload struct {
	Component string         `json:"component"`
	State     map[string]any `json:"state,omitempty"`
}

// MountResult answers a COMPONENT_MOUNT message.
type MountResult struct {
	ComponentID  string         `json:"componentId"`
	InitialState map[string]any `json:"initialState"`
	SignedState  string         `json:"signedState,omitempty"`
	Room         string         `json:"room,omitempty"`
}

// RehydratePayload asks the server to restore a component from a signed
// state blob.
type RehydratePayload struct {
	Component   string `json:"component,omitempty"`
	SignedState string `json:"signedState"`
}

// RehydrateResult answers a COMPONENT_REHYDRATE message.
type RehydrateResult struct {
	ComponentID    string         `json:"componentId"`
	OldComponentID string         `json:"oldComponentId,omitempty"`
	State          map[string]any `json:"state"`
	SignedState    string         `json:"signedState,omitempty"`
	Room           string         `json:"room,omitempty"`
}

// ActionResult answers a CALL_ACTION message.
type ActionResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
}

// StateDeltaPayload carries only the keys that changed.
type StateDeltaPayload struct {
	Delta map[string]any `json:"delta"`
}

// StateUpdatePayload carries a full state snapshot.
type StateUpdatePayload struct {
	State       map[string]any `json:"state"`
	SignedState string         `json:"signedState,omitempty"`
}

// RoomJoinPayload accompanies ROOM_JOIN. InitialState seeds a room that does
// not exist yet.
type RoomJoinPayload struct {
	InitialState map[string]any `json:"initialState,omitempty"`
}

// RoomEmitPayload accompanies ROOM_EMIT and BROADCAST.
type RoomEmitPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomStateSetPayload accompanies ROOM_STATE_SET.
type RoomStateSetPayload struct {
	State map[string]any `json:"state"`
}

// RoomStatePayload is sent to a connection when it joins a room (full
// state) and when the room state changes (Partial, changed keys only).
type RoomStatePayload struct {
	State   map[string]any `json:"state"`
	Partial bool           `json:"partial,omitempty"`
}

// RoomEventPayload is fanned out to room members.
type RoomEventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UploadStartPayload announces an upload.
type UploadStartPayload struct {
	UploadID  string `json:"uploadId"`
	Filename  string `json:"filename"`
	FileType  string `json:"fileType,omitempty"`
	FileSize  int64  `json:"fileSize"`
	ChunkSize int    `json:"chunkSize,omitempty"`
}

// UploadChunkPayload is the JSON form of a chunk; Data is base64.
type UploadChunkPayload struct {
	UploadID    string `json:"uploadId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// UploadProgressPayload acknowledges a chunk.
type UploadProgressPayload struct {
	UploadID      string  `json:"uploadId"`
	ChunkIndex    int     `json:"chunkIndex"`
	BytesUploaded int64   `json:"bytesUploaded"`
	TotalBytes    int64   `json:"totalBytes"`
	Progress      float64 `json:"progress"`
}

// UploadCompletePayload finalizes or cancels an upload.
type UploadCompletePayload struct {
	UploadID string `json:"uploadId"`
}

// UploadCompletedPayload answers FILE_UPLOAD_COMPLETE.
type UploadCompletedPayload struct {
	UploadID string `json:"uploadId"`
	FileURL  string `json:"fileUrl"`
	Size     int64  `json:"size"`
}

// AckPayload answers requests that have no richer reply. Delivered counts
// recipients for fan-out operations.
type AckPayload struct {
	Delivered int `json:"delivered,omitempty"`
}

// PingPayload accompanies COMPONENT_PING and COMPONENT_PONG.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}
