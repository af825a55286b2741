package upload

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
)

// Status is the state of an upload session.
type Status int

const (
	StatusAnnounced Status = iota
	StatusTransferring
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAnnounced:
		return "announced"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ManagerConfig configures the server side of uploads.
type ManagerConfig struct {
	// MaxFileSize rejects larger declared sizes. Default: 100MiB.
	MaxFileSize int64

	// MaxChunkSize rejects larger chunks. Default: 4MiB.
	MaxChunkSize int

	// AllowedTypes restricts declared MIME types. Empty allows all.
	AllowedTypes []string

	// IdleTimeout abandons sessions with no chunk for this long.
	// Default: 2m.
	IdleTimeout time.Duration

	// SweepInterval is how often abandoned sessions are collected.
	// Default: 30s.
	SweepInterval time.Duration

	Logger *slog.Logger
	Bus    *debugbus.Bus

	// OnChunk is called with the size of every accepted chunk.
	OnChunk func(bytes int)

	// OnFinish is called once per session with its terminal status.
	OnFinish func(Status)
}

// DefaultManagerConfig returns the default server-side limits.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxFileSize:   100 << 20,
		MaxChunkSize:  4 << 20,
		IdleTimeout:   2 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Session is one upload in progress on the server.
type Session struct {
	ID           string
	ConnectionID string
	ComponentID  string
	Filename     string
	FileType     string
	DeclaredSize int64
	StartedAt    time.Time

	mu          sync.Mutex
	status      Status
	chunks      map[int][]byte
	received    int64
	lastChunkAt time.Time
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Received returns the bytes received so far.
func (s *Session) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Session) progress(index int) protocol.UploadProgressPayload {
	p := protocol.UploadProgressPayload{
		UploadID:      s.ID,
		ChunkIndex:    index,
		BytesUploaded: s.received,
		TotalBytes:    s.DeclaredSize,
	}
	if s.DeclaredSize > 0 {
		p.Progress = float64(s.received) / float64(s.DeclaredSize) * 100
	} else {
		p.Progress = 100
	}
	return p
}

// Manager tracks upload sessions and finalizes them into a Store.
type Manager struct {
	store  Store
	cfg    ManagerConfig
	logger *slog.Logger
	bus    *debugbus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a manager writing completed files to store.
func NewManager(store Store, cfg *ManagerConfig) *Manager {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	c := *cfg
	d := DefaultManagerConfig()
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		cfg:      c,
		logger:   logger.With("component", "uploads"),
		bus:      c.Bus,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Start announces a new upload.
func (m *Manager) Start(connectionID, componentID string, p protocol.UploadStartPayload) (*Session, error) {
	if !validID(p.UploadID) {
		return nil, protocol.NewError(protocol.CodeUploadRejected, "invalid upload id")
	}
	if p.FileSize < 0 || p.FileSize > m.cfg.MaxFileSize {
		return nil, protocol.Errorf(protocol.CodeUploadRejected, "file size %d outside [0, %d]", p.FileSize, m.cfg.MaxFileSize)
	}
	if !TypeAllowed(p.FileType, m.cfg.AllowedTypes) {
		return nil, protocol.Errorf(protocol.CodeUploadRejected, "file type %q not allowed", p.FileType)
	}

	now := time.Now()
	s := &Session{
		ID:           p.UploadID,
		ConnectionID: connectionID,
		ComponentID:  componentID,
		Filename:     SanitizeFilename(p.Filename),
		FileType:     p.FileType,
		DeclaredSize: p.FileSize,
		StartedAt:    now,
		status:       StatusAnnounced,
		chunks:       make(map[int][]byte),
		lastChunkAt:  now,
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeUploadRejected, "upload %q already in progress", s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("upload started", "upload_id", s.ID, "filename", s.Filename, "size", s.DeclaredSize)
	m.bus.Emit(debugbus.EventUploadStart, componentID, map[string]any{
		"uploadId": s.ID,
		"filename": s.Filename,
		"size":     s.DeclaredSize,
	})
	return s, nil
}

// Chunk stores one chunk and returns the progress acknowledgment. A
// repeated index replaces the earlier bytes, so retried chunks are not
// double counted.
func (m *Manager) Chunk(connectionID, uploadID string, index int, data []byte) (protocol.UploadProgressPayload, error) {
	s, err := m.session(connectionID, uploadID)
	if err != nil {
		return protocol.UploadProgressPayload{}, err
	}
	if index < 0 {
		return protocol.UploadProgressPayload{}, protocol.NewError(protocol.CodeProtocol, "negative chunk index")
	}
	if len(data) > m.cfg.MaxChunkSize {
		return protocol.UploadProgressPayload{}, protocol.Errorf(protocol.CodeUploadRejected, "chunk of %d bytes exceeds %d", len(data), m.cfg.MaxChunkSize)
	}

	s.mu.Lock()
	switch s.status {
	case StatusCancelled:
		s.mu.Unlock()
		return protocol.UploadProgressPayload{}, protocol.Errorf(protocol.CodeUploadCancelled, "upload %q cancelled", uploadID)
	case StatusCompleted, StatusFailed:
		s.mu.Unlock()
		return protocol.UploadProgressPayload{}, protocol.Errorf(protocol.CodeUploadNotFound, "upload %q is %s", uploadID, s.status)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if old, ok := s.chunks[index]; ok {
		s.received -= int64(len(old))
	}
	s.chunks[index] = buf
	s.received += int64(len(buf))
	s.lastChunkAt = time.Now()
	s.status = StatusTransferring
	over := s.received > s.DeclaredSize
	received := s.received
	ack := s.progress(index)
	s.mu.Unlock()

	if over {
		m.finish(s, StatusFailed)
		return protocol.UploadProgressPayload{}, protocol.Errorf(protocol.CodeUploadSizeMismatch,
			"received %d bytes, declared %d", received, s.DeclaredSize)
	}
	if m.cfg.OnChunk != nil {
		m.cfg.OnChunk(len(buf))
	}
	return ack, nil
}

// Complete finalizes an upload. Received bytes must equal the declared size
// exactly; otherwise the session is aborted with UPLOAD_SIZE_MISMATCH.
func (m *Manager) Complete(ctx context.Context, connectionID, uploadID string) (protocol.UploadCompletedPayload, error) {
	s, err := m.session(connectionID, uploadID)
	if err != nil {
		return protocol.UploadCompletedPayload{}, err
	}

	s.mu.Lock()
	if s.status == StatusCancelled {
		s.mu.Unlock()
		return protocol.UploadCompletedPayload{}, protocol.Errorf(protocol.CodeUploadCancelled, "upload %q cancelled", uploadID)
	}
	received := s.received
	indexes := make([]int, 0, len(s.chunks))
	for i := range s.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	contiguous := true
	for i, idx := range indexes {
		if i != idx {
			contiguous = false
			break
		}
	}
	parts := make([]io.Reader, 0, len(indexes))
	for _, idx := range indexes {
		parts = append(parts, bytes.NewReader(s.chunks[idx]))
	}
	s.mu.Unlock()

	if received != s.DeclaredSize {
		m.finish(s, StatusFailed)
		return protocol.UploadCompletedPayload{}, protocol.Errorf(protocol.CodeUploadSizeMismatch,
			"received %d bytes, declared %d", received, s.DeclaredSize)
	}
	if !contiguous {
		m.finish(s, StatusFailed)
		return protocol.UploadCompletedPayload{}, protocol.NewError(protocol.CodeUploadSizeMismatch, "chunk indexes are not contiguous")
	}

	locator, err := m.store.Save(ctx, FileInfo{
		ID:          s.ID,
		Filename:    s.Filename,
		ContentType: s.FileType,
		Size:        s.DeclaredSize,
	}, io.MultiReader(parts...))
	if err != nil {
		m.finish(s, StatusFailed)
		return protocol.UploadCompletedPayload{}, protocol.Errorf(protocol.CodeInternal, "store upload: %v", err)
	}

	m.finish(s, StatusCompleted)
	m.logger.Info("upload completed", "upload_id", s.ID, "size", received, "duration", time.Since(s.StartedAt))
	m.bus.Emit(debugbus.EventUploadComplete, s.ComponentID, map[string]any{
		"uploadId": s.ID,
		"size":     received,
		"url":      locator,
	})
	return protocol.UploadCompletedPayload{UploadID: s.ID, FileURL: locator, Size: received}, nil
}

// Cancel marks an upload cancelled and releases its chunks.
func (m *Manager) Cancel(connectionID, uploadID string) error {
	s, err := m.session(connectionID, uploadID)
	if err != nil {
		return err
	}
	m.finish(s, StatusCancelled)
	m.bus.Emit(debugbus.EventUploadCancel, s.ComponentID, map[string]any{"uploadId": s.ID})
	return nil
}

// CancelConnection cancels every session owned by a connection.
func (m *Manager) CancelConnection(connectionID string) int {
	m.mu.RLock()
	var owned []*Session
	for _, s := range m.sessions {
		if s.ConnectionID == connectionID {
			owned = append(owned, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range owned {
		m.finish(s, StatusCancelled)
	}
	return len(owned)
}

// Sweep abandons sessions idle longer than the idle timeout as of now.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		if now.Sub(s.lastChunkAt) > m.cfg.IdleTimeout {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.logger.Warn("upload abandoned", "upload_id", s.ID, "received", s.Received(), "declared", s.DeclaredSize)
		m.finish(s, StatusFailed)
	}
	return len(idle)
}

// Run sweeps abandoned sessions until ctx is done or Close is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close stops Run and cancels every session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		m.finish(s, StatusCancelled)
	}
}

// Get returns a live session.
func (m *Manager) Get(uploadID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[uploadID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) session(connectionID, uploadID string) (*Session, error) {
	s, ok := m.Get(uploadID)
	if !ok || s.ConnectionID != connectionID {
		return nil, protocol.Errorf(protocol.CodeUploadNotFound, "upload %q not found", uploadID)
	}
	return s, nil
}

// finish moves s to a terminal status, drops its chunks and removes it.
// Only the first terminal transition counts.
func (m *Manager) finish(s *Session, status Status) {
	s.mu.Lock()
	if s.status == StatusCompleted || s.status == StatusCancelled || s.status == StatusFailed {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.chunks = nil
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	if m.cfg.OnFinish != nil {
		m.cfg.OnFinish(status)
	}
}
