// Package protocol implements the wire protocol spoken between livesync
// servers and their clients.
//
// Every logical message is a JSON envelope:
//
//	{ "type": "CALL_ACTION", "componentId": "…", "action": "increment",
//	  "payload": {…}, "timestamp": 1700000000000, "requestId": "…",
//	  "responseId": "…", "expectResponse": true, "room": "…", "userId": "…" }
//
// Requests that expect a reply carry a requestId; the reply echoes it in
// responseId. Messages without a requestId are fire-and-forget.
//
// # Binary Chunk Frames
//
// Upload chunks may be sent as binary WebSocket messages instead of JSON
// with a base64 payload. A binary frame is laid out as:
//
//	┌───────────────────────┬──────────────────────────┬──────────────────┐
//	│ Header Length         │ Header                   │ Chunk Bytes      │
//	│ (4 bytes, uint32 LE)  │ (UTF-8 JSON)             │ (remaining)      │
//	└───────────────────────┴──────────────────────────┴──────────────────┘
//
// The header is a ChunkHeader. The binary form avoids the ~33% size overhead
// of base64.
//
// # Errors
//
// Failures travel as ERROR messages (or as failed results) carrying an
// ErrorCode. The Go side of the same taxonomy is the Error type, whose Is
// method matches on code so errors.Is works against the package sentinels.
package protocol
