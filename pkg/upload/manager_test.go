package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/livesync/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// loopback routes uploader requests straight into a Manager.
type loopback struct {
	m    *Manager
	conn string

	mu          sync.Mutex
	completions int
	chunkSizes  []int
	failNext    int
	delay       time.Duration
	onChunk     func(index int)
}

func (l *loopback) Request(ctx context.Context, msg *protocol.Message, _ time.Duration) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.TypeFileUploadStart:
		var p protocol.UploadStartPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		if _, err := l.m.Start(l.conn, msg.ComponentID, p); err != nil {
			return nil, err
		}
		return protocol.ReplyTo(msg, protocol.TypeAck, nil)
	case protocol.TypeFileUploadChunk:
		var p protocol.UploadChunkPayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, err
		}
		return l.chunk(msg, p.UploadID, p.ChunkIndex, data)
	case protocol.TypeFileUploadComplete:
		var p protocol.UploadCompletePayload
		if err := msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		done, err := l.m.Complete(ctx, l.conn, p.UploadID)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.completions++
		l.mu.Unlock()
		return protocol.ReplyTo(msg, protocol.TypeUploadCompleted, done)
	case protocol.TypeFileUploadCancel:
		var p protocol.UploadCompletePayload
		_ = msg.DecodePayload(&p)
		_ = l.m.Cancel(l.conn, p.UploadID)
		return protocol.ReplyTo(msg, protocol.TypeAck, nil)
	}
	return nil, protocol.NewError(protocol.CodeProtocol, "unexpected "+string(msg.Type))
}

func (l *loopback) RequestChunk(_ context.Context, h protocol.ChunkHeader, data []byte, _ time.Duration) (*protocol.Message, error) {
	frame, err := protocol.EncodeChunkFrame(h, data)
	if err != nil {
		return nil, err
	}
	decoded, err := protocol.DecodeChunkFrame(frame)
	if err != nil {
		return nil, err
	}
	req := &protocol.Message{Type: protocol.TypeFileUploadChunk, RequestID: "r", ComponentID: h.ComponentID}
	return l.chunk(req, decoded.Header.UploadID, decoded.Header.ChunkIndex, decoded.Data)
}

func (l *loopback) chunk(req *protocol.Message, uploadID string, index int, data []byte) (*protocol.Message, error) {
	l.mu.Lock()
	if l.onChunk != nil {
		l.onChunk(index)
	}
	if l.failNext > 0 {
		l.failNext--
		l.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeRequestTimeout, "simulated loss")
	}
	l.chunkSizes = append(l.chunkSizes, len(data))
	delay := l.delay
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	ack, err := l.m.Chunk(l.conn, uploadID, index, data)
	if err != nil {
		return nil, err
	}
	return protocol.ReplyTo(req, protocol.TypeUploadProgress, ack)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestUploadMillionBytesAdaptive(t *testing.T) {
	for _, enc := range []Encoding{EncodingBinary, EncodingBase64} {
		store := NewMemoryStore("/uploads")
		m := NewManager(store, &ManagerConfig{Logger: testLogger()})
		lb := &loopback{m: m, conn: "c1"}

		var last protocol.UploadProgressPayload
		u := NewUploader(lb, &UploaderConfig{
			Sizer:    &SizerConfig{Initial: 16384, Min: 16384, Max: 262144, TargetLatency: time.Second, AdjustmentFactor: 2},
			Encoding: enc,
			OnProgress: func(p protocol.UploadProgressPayload) {
				last = p
			},
		})

		data := randomBytes(t, 1_000_000)
		res, err := u.Upload(context.Background(), "comp", FileSpec{Name: "big.bin", Type: "application/octet-stream", Size: int64(len(data)), Reader: bytes.NewReader(data)})
		require.NoError(t, err)

		assert.Equal(t, int64(1_000_000), last.BytesUploaded)
		assert.Equal(t, int64(1_000_000), res.Size)
		assert.InDelta(t, 100.0, last.Progress, 0.0001)
		assert.Equal(t, 1, lb.completions)

		sum := 0
		for _, n := range lb.chunkSizes {
			assert.GreaterOrEqual(t, n, 1)
			assert.LessOrEqual(t, n, 262144)
			sum += n
		}
		assert.Equal(t, 1_000_000, sum)
		assert.Greater(t, lb.chunkSizes[len(lb.chunkSizes)-2], 16384, "sizer never grew")

		stored, ok := store.Bytes(res.UploadID)
		require.True(t, ok)
		assert.True(t, bytes.Equal(data, stored))
		assert.Equal(t, "/uploads/"+res.UploadID, res.FileURL)
		assert.Equal(t, 0, m.Len())
	}
}

func TestUploadRetriesFailedChunk(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{Logger: testLogger()})
	lb := &loopback{m: m, conn: "c1", failNext: 2}
	u := NewUploader(lb, &UploaderConfig{Sizer: &SizerConfig{Initial: 1024, Min: 256, Max: 4096}, MaxRetries: 3})

	data := randomBytes(t, 10_000)
	res, err := u.Upload(context.Background(), "comp", FileSpec{Name: "f", Size: int64(len(data)), Reader: bytes.NewReader(data)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, int64(10_000), res.Size)
}

func TestUploadGivesUpAfterMaxRetries(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{Logger: testLogger()})
	lb := &loopback{m: m, conn: "c1", failNext: 100}
	u := NewUploader(lb, &UploaderConfig{MaxRetries: 2})

	_, err := u.Upload(context.Background(), "comp", FileSpec{Name: "f", Size: 5, Reader: bytes.NewReader([]byte("hello"))})
	assert.ErrorIs(t, err, protocol.ErrRequestTimeout)
	assert.Equal(t, 0, m.Len(), "session cancelled after failure")
}

func TestUploadCancelStopsBeforeNextChunk(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{Logger: testLogger()})
	var u *Uploader
	var sentAfterCancel atomic.Int32
	cancelled := false
	lb := &loopback{m: m, conn: "c1"}
	lb.onChunk = func(index int) {
		if cancelled {
			sentAfterCancel.Add(1)
		}
		if index == 2 {
			u.Cancel()
			cancelled = true
		}
	}
	u = NewUploader(lb, &UploaderConfig{Sizer: &SizerConfig{Initial: 1000, Min: 1000, Max: 1000}})

	data := randomBytes(t, 10_000)
	res, err := u.Upload(context.Background(), "comp", FileSpec{Name: "f", Size: int64(len(data)), Reader: bytes.NewReader(data)})
	assert.ErrorIs(t, err, protocol.ErrUploadCancelled)
	assert.Equal(t, 3, res.Chunks, "in-flight chunk finished")
	assert.Equal(t, int32(0), sentAfterCancel.Load())
	assert.Equal(t, 0, lb.completions)
	assert.Equal(t, 0, m.Len())
}

func TestUploadCancelBeforeStart(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{Logger: testLogger()})
	lb := &loopback{m: m, conn: "c1"}
	u := NewUploader(lb, nil)

	u.Cancel()
	_, err := u.Upload(context.Background(), "comp", FileSpec{Name: "f", Size: 5, Reader: bytes.NewReader([]byte("hello"))})
	assert.ErrorIs(t, err, protocol.ErrUploadCancelled)
	assert.Empty(t, lb.chunkSizes)
	assert.Equal(t, 0, m.Len())

	res, err := u.Upload(context.Background(), "comp", FileSpec{Name: "f", Size: 5, Reader: bytes.NewReader([]byte("hello"))})
	require.NoError(t, err, "cancel applies to one upload only")
	assert.Equal(t, int64(5), res.Size)
}

func TestManagerSizeMismatch(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{Logger: testLogger()})
	_, err := m.Start("c1", "comp", protocol.UploadStartPayload{UploadID: "u1", Filename: "f", FileSize: 10})
	require.NoError(t, err)
	_, err = m.Chunk("c1", "u1", 0, []byte("12345"))
	require.NoError(t, err)

	_, err = m.Complete(context.Background(), "c1", "u1")
	assert.ErrorIs(t, err, protocol.ErrUploadSizeMismatch)
	_, ok := m.Get("u1")
	assert.False(t, ok, "aborted session removed")

	_, err = m.Start("c1", "comp", protocol.UploadStartPayload{UploadID: "u2", FileSize: 4})
	require.NoError(t, err)
	_, err = m.Chunk("c1", "u2", 0, []byte("too long"))
	assert.ErrorIs(t, err, protocol.ErrUploadSizeMismatch)
}

func TestManagerDuplicateChunkNotDoubleCounted(t *testing.T) {
	store := NewMemoryStore("")
	m := NewManager(store, &ManagerConfig{Logger: testLogger()})
	_, err := m.Start("c1", "comp", protocol.UploadStartPayload{UploadID: "u1", FileSize: 6})
	require.NoError(t, err)

	_, err = m.Chunk("c1", "u1", 0, []byte("abc"))
	require.NoError(t, err)
	ack, err := m.Chunk("c1", "u1", 0, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ack.BytesUploaded)
	ack, err = m.Chunk("c1", "u1", 1, []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), ack.BytesUploaded)

	done, err := m.Complete(context.Background(), "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), done.Size)
	got, _ := store.Bytes("u1")
	assert.Equal(t, "abcdef", string(got))
}

func TestManagerRejections(t *testing.T) {
	m := NewManager(NewMemoryStore(""), &ManagerConfig{
		Logger:       testLogger(),
		MaxFileSize:  100,
		AllowedTypes: []string{"image/*"},
	})

	_, err := m.Start("c1", "", protocol.UploadStartPayload{UploadID: "a", FileType: "image/png", FileSize: 1000})
	assert.ErrorIs(t, err, protocol.ErrUploadRejected)
	_, err = m.Start("c1", "", protocol.UploadStartPayload{UploadID: "b", FileType: "text/html", FileSize: 10})
	assert.ErrorIs(t, err, protocol.ErrUploadRejected)
	_, err = m.Start("c1", "", protocol.UploadStartPayload{UploadID: "../etc", FileType: "image/png", FileSize: 10})
	assert.ErrorIs(t, err, protocol.ErrUploadRejected)

	_, err = m.Start("c1", "", protocol.UploadStartPayload{UploadID: "ok", FileType: "image/png", FileSize: 10})
	require.NoError(t, err)
	_, err = m.Chunk("c2", "ok", 0, []byte("x"))
	assert.ErrorIs(t, err, protocol.ErrUploadNotFound, "other connections cannot write")
}

func TestManagerCancelAndSweep(t *testing.T) {
	var finished []Status
	m := NewManager(NewMemoryStore(""), &ManagerConfig{
		Logger:      testLogger(),
		IdleTimeout: time.Minute,
		OnFinish:    func(s Status) { finished = append(finished, s) },
	})
	_, _ = m.Start("c1", "", protocol.UploadStartPayload{UploadID: "a", FileSize: 10})
	_, _ = m.Start("c1", "", protocol.UploadStartPayload{UploadID: "b", FileSize: 10})
	_, _ = m.Start("c2", "", protocol.UploadStartPayload{UploadID: "c", FileSize: 10})

	require.NoError(t, m.Cancel("c1", "a"))
	assert.ErrorIs(t, m.Cancel("c1", "a"), protocol.ErrUploadNotFound)

	assert.Equal(t, 0, m.Sweep(time.Now()))
	assert.Equal(t, 2, m.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []Status{StatusCancelled, StatusFailed, StatusFailed}, finished)
}

func TestDiskStoreAndServeHandler(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), "/uploads", 1<<20)
	require.NoError(t, err)

	content := []byte("hello world")
	loc, err := store.Save(context.Background(), FileInfo{ID: "f1", Filename: "../greeting.txt", ContentType: "text/plain", Size: int64(len(content))}, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/f1", loc)

	r := chi.NewRouter()
	r.Get("/uploads/{id}", ServeHandler(store).ServeHTTP)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/f1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = store.Save(context.Background(), FileInfo{ID: "big", Size: 2 << 20}, bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestDiskStoreReopenAndCleanup(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "/uploads/", 0)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), FileInfo{ID: "keep", Filename: "a.txt", ContentType: "text/plain"}, strings.NewReader("abc"))
	require.NoError(t, err)

	// A second store over the same directory sees the file through its record.
	reopened, err := NewDiskStore(dir, "/uploads", 0)
	require.NoError(t, err)
	f, err := reopened.Open(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Filename)
	assert.Equal(t, int64(3), f.Size)
	require.NoError(t, f.Close())

	_, err = reopened.Open(context.Background(), "../keep")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reopened.Cleanup(context.Background(), time.Hour))
	_, err = reopened.Open(context.Background(), "keep")
	require.NoError(t, err, "fresh files survive cleanup")

	require.NoError(t, reopened.Cleanup(context.Background(), -time.Second))
	_, err = reopened.Open(context.Background(), "keep")
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSanitizeFilenameAndTypes(t *testing.T) {
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "evil.txt", SanitizeFilename(`C:\temp\evil.txt`))
	assert.Equal(t, "file", SanitizeFilename(".."))
	assert.Equal(t, "ab", SanitizeFilename("a\"\nb"))

	assert.True(t, TypeAllowed("image/png", []string{"image/*"}))
	assert.True(t, TypeAllowed("text/plain; charset=utf-8", []string{"text/plain"}))
	assert.False(t, TypeAllowed("text/html", []string{"image/*"}))
	assert.True(t, TypeAllowed("anything", nil))
}
