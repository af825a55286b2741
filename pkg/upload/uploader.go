package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/livesync/pkg/protocol"
)

// Encoding selects how chunks travel on the wire.
type Encoding int

const (
	// EncodingBinary sends binary frames.
	EncodingBinary Encoding = iota
	// EncodingBase64 sends JSON messages with base64 data (about 33% larger).
	EncodingBase64
)

// Requester sends correlated requests over a live connection.
// pkg/client.Client implements it.
type Requester interface {
	Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error)
	RequestChunk(ctx context.Context, header protocol.ChunkHeader, data []byte, timeout time.Duration) (*protocol.Message, error)
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Sizer    *SizerConfig
	Encoding Encoding

	// ChunkTimeout bounds each chunk round trip. Default: 30s.
	ChunkTimeout time.Duration

	// MaxRetries is how many times one chunk is resent after a failure
	// before the upload fails. Default: 3.
	MaxRetries int

	// OnProgress is called after every acknowledged chunk.
	OnProgress func(protocol.UploadProgressPayload)
}

// DefaultUploaderConfig returns binary encoding with default sizing.
func DefaultUploaderConfig() *UploaderConfig {
	return &UploaderConfig{
		Sizer:        DefaultSizerConfig(),
		Encoding:     EncodingBinary,
		ChunkTimeout: 30 * time.Second,
		MaxRetries:   3,
	}
}

// FileSpec is the file to upload. Reader must yield exactly Size bytes.
type FileSpec struct {
	Name   string
	Type   string
	Size   int64
	Reader io.Reader
}

// Result summarizes a finished upload.
type Result struct {
	UploadID string
	FileURL  string
	Size     int64
	Chunks   int
	Retries  int
	Elapsed  time.Duration
}

// Uploader sends one file at a time in adaptively sized chunks.
type Uploader struct {
	conn      Requester
	cfg       UploaderConfig
	cancelled atomic.Bool
}

// NewUploader creates an uploader over conn.
func NewUploader(conn Requester, cfg *UploaderConfig) *Uploader {
	if cfg == nil {
		cfg = DefaultUploaderConfig()
	}
	c := *cfg
	d := DefaultUploaderConfig()
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = d.ChunkTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return &Uploader{conn: conn, cfg: c}
}

// Cancel stops the upload before its next chunk. A chunk already in
// flight is allowed to finish. A Cancel issued before Upload starts stops
// that Upload before anything is sent.
func (u *Uploader) Cancel() {
	u.cancelled.Store(true)
}

// Upload sends f on behalf of componentID.
func (u *Uploader) Upload(ctx context.Context, componentID string, f FileSpec) (*Result, error) {
	defer u.cancelled.Store(false)
	start := time.Now()
	uploadID := uuid.NewString()
	if u.cancelled.Load() {
		return &Result{UploadID: uploadID}, protocol.Errorf(protocol.CodeUploadCancelled, "upload %s cancelled before start", uploadID)
	}
	sizer := NewSizer(u.cfg.Sizer)

	startMsg, err := protocol.NewMessage(protocol.TypeFileUploadStart, protocol.UploadStartPayload{
		UploadID:  uploadID,
		Filename:  f.Name,
		FileType:  f.Type,
		FileSize:  f.Size,
		ChunkSize: sizer.Size(),
	})
	if err != nil {
		return nil, err
	}
	startMsg.ComponentID = componentID
	if _, err := u.conn.Request(ctx, startMsg, u.cfg.ChunkTimeout); err != nil {
		return nil, err
	}

	res := &Result{UploadID: uploadID}
	var sent int64
	buf := make([]byte, sizer.Config().Max)
	for index := 0; sent < f.Size; index++ {
		if u.cancelled.Load() {
			u.sendCancel(ctx, componentID, uploadID)
			return res, protocol.Errorf(protocol.CodeUploadCancelled, "upload %s cancelled after %d bytes", uploadID, sent)
		}

		size := int(min(int64(sizer.Size()), f.Size-sent))
		chunk := buf[:size]
		if _, err := io.ReadFull(f.Reader, chunk); err != nil {
			u.sendCancel(ctx, componentID, uploadID)
			return res, err
		}

		ack, retries, err := u.sendChunk(ctx, sizer, componentID, uploadID, index, sent, f.Size, chunk)
		res.Retries += retries
		if err != nil {
			u.sendCancel(ctx, componentID, uploadID)
			return res, err
		}
		sent += int64(size)
		res.Chunks++
		if u.cfg.OnProgress != nil {
			u.cfg.OnProgress(*ack)
		}
	}

	if u.cancelled.Load() {
		u.sendCancel(ctx, componentID, uploadID)
		return res, protocol.Errorf(protocol.CodeUploadCancelled, "upload %s cancelled before completion", uploadID)
	}

	doneMsg := protocol.MustMessage(protocol.TypeFileUploadComplete, protocol.UploadCompletePayload{UploadID: uploadID})
	doneMsg.ComponentID = componentID
	reply, err := u.conn.Request(ctx, doneMsg, u.cfg.ChunkTimeout)
	if err != nil {
		return res, err
	}
	var completed protocol.UploadCompletedPayload
	if err := reply.DecodePayload(&completed); err != nil {
		return res, err
	}
	res.FileURL = completed.FileURL
	res.Size = completed.Size
	res.Elapsed = time.Since(start)
	return res, nil
}

// sendChunk sends one chunk, retrying up to MaxRetries times. Every
// attempt feeds the sizer; the chunk bytes stay the same across retries.
func (u *Uploader) sendChunk(ctx context.Context, sizer *Sizer, componentID, uploadID string, index int, sent, total int64, data []byte) (*protocol.UploadProgressPayload, int, error) {
	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}
		if attempt > 0 && u.cancelled.Load() {
			return nil, attempt, protocol.Errorf(protocol.CodeUploadCancelled, "upload %s cancelled", uploadID)
		}
		header := protocol.ChunkHeader{
			Type:        protocol.TypeFileUploadChunk,
			ComponentID: componentID,
			UploadID:    uploadID,
			ChunkIndex:  index,
			TotalChunks: EstimateTotalChunks(index, sent, total, len(data)),
		}

		began := time.Now()
		reply, err := u.send(ctx, header, data)
		latency := time.Since(began)
		if err == nil {
			var ack protocol.UploadProgressPayload
			if err = reply.DecodePayload(&ack); err == nil {
				sizer.Record(latency, true)
				return &ack, attempt, nil
			}
		}
		sizer.Record(latency, false)
		lastErr = err
		if !retryable(err) {
			return nil, attempt, err
		}
	}
	return nil, u.cfg.MaxRetries, lastErr
}

func (u *Uploader) send(ctx context.Context, header protocol.ChunkHeader, data []byte) (*protocol.Message, error) {
	if u.cfg.Encoding == EncodingBinary {
		return u.conn.RequestChunk(ctx, header, data, u.cfg.ChunkTimeout)
	}
	msg, err := protocol.NewMessage(protocol.TypeFileUploadChunk, protocol.UploadChunkPayload{
		UploadID:    header.UploadID,
		ChunkIndex:  header.ChunkIndex,
		TotalChunks: header.TotalChunks,
		Data:        base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, err
	}
	msg.ComponentID = header.ComponentID
	return u.conn.Request(ctx, msg, u.cfg.ChunkTimeout)
}

func (u *Uploader) sendCancel(ctx context.Context, componentID, uploadID string) {
	msg := protocol.MustMessage(protocol.TypeFileUploadCancel, protocol.UploadCompletePayload{UploadID: uploadID})
	msg.ComponentID = componentID
	_, _ = u.conn.Request(ctx, msg, u.cfg.ChunkTimeout)
}

// retryable reports whether a chunk failure may succeed on resend. Server
// verdicts about the upload itself are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch protocol.CodeOf(err) {
	case protocol.CodeUploadSizeMismatch, protocol.CodeUploadCancelled, protocol.CodeUploadNotFound,
		protocol.CodeUploadRejected, protocol.CodeConnectionClosed, protocol.CodeProtocol:
		return false
	}
	return true
}
