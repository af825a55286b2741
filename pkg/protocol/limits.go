package protocol

// Size limits applied while decoding untrusted input.
const (
	// MaxMessageSize bounds a single JSON envelope. Upload chunks sent as
	// base64 JSON must fit under it.
	MaxMessageSize = 16 * 1024 * 1024

	// MaxChunkHeaderSize bounds the JSON header of a binary chunk frame.
	MaxChunkHeaderSize = 4 * 1024
)
