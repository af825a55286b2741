package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// ChunkHeaderPrefixSize is the size of the little-endian header length
// prefix that starts every binary chunk frame.
const ChunkHeaderPrefixSize = 4

// Frame errors.
var (
	ErrFrameTooShort  = errors.New("protocol: binary frame too short")
	ErrHeaderTooLarge = errors.New("protocol: binary frame header too large")
)

// ChunkHeader is the JSON header of a binary upload chunk frame.
type ChunkHeader struct {
	Type        MessageType `json:"type"`
	ComponentID string      `json:"componentId"`
	UploadID    string      `json:"uploadId"`
	ChunkIndex  int         `json:"chunkIndex"`
	TotalChunks int         `json:"totalChunks"`
	RequestID   string      `json:"requestId,omitempty"`
}

// ChunkFrame is a decoded binary chunk frame.
type ChunkFrame struct {
	Header ChunkHeader
	Data   []byte
}

// EncodeChunkFrame lays out a binary frame:
//
//	[headerLength: uint32 LE][header: UTF-8 JSON][data: raw bytes]
func EncodeChunkFrame(h ChunkHeader, data []byte) ([]byte, error) {
	if h.Type == "" {
		h.Type = TypeFileUploadChunk
	}
	header, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(header) > MaxChunkHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	buf := make([]byte, ChunkHeaderPrefixSize+len(header)+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(header)))
	copy(buf[ChunkHeaderPrefixSize:], header)
	copy(buf[ChunkHeaderPrefixSize+len(header):], data)
	return buf, nil
}

// DecodeChunkFrame parses a binary frame produced by EncodeChunkFrame.
// The returned Data aliases the input slice.
func DecodeChunkFrame(buf []byte) (*ChunkFrame, error) {
	if len(buf) < ChunkHeaderPrefixSize {
		return nil, ErrFrameTooShort
	}
	headerLen := binary.LittleEndian.Uint32(buf)
	if headerLen > MaxChunkHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	end := ChunkHeaderPrefixSize + int(headerLen)
	if len(buf) < end {
		return nil, ErrFrameTooShort
	}

	var h ChunkHeader
	if err := json.Unmarshal(buf[ChunkHeaderPrefixSize:end], &h); err != nil {
		return nil, NewError(CodeProtocol, "invalid chunk header: "+err.Error())
	}
	if h.UploadID == "" {
		return nil, NewError(CodeProtocol, "chunk header missing uploadId")
	}
	if h.ChunkIndex < 0 {
		return nil, NewError(CodeProtocol, "chunk index must not be negative")
	}
	if h.Type == "" {
		h.Type = TypeFileUploadChunk
	}
	return &ChunkFrame{Header: h, Data: buf[end:]}, nil
}
