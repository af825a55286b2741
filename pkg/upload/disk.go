package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const metaSuffix = ".meta"

// DiskStore keeps completed uploads in a directory. Each file id has a
// sibling "<id>.meta" JSON record, so the store survives restarts without
// an index.
type DiskStore struct {
	dir     string
	baseURL string
	maxSize int64
}

// diskRecord is the sidecar written next to every stored file.
type diskRecord struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// NewDiskStore creates a DiskStore rooted at dir, creating it if needed.
// Locators are baseURL + "/" + id. maxSize of 0 means no limit.
func NewDiskStore(dir, baseURL string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create store dir: %w", err)
	}
	return &DiskStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		maxSize: maxSize,
	}, nil
}

// Save streams r into a temporary file and renames it into place once the
// copy is complete, so readers never observe a partial file.
func (s *DiskStore) Save(_ context.Context, info FileInfo, r io.Reader) (string, error) {
	if !validID(info.ID) {
		return "", fmt.Errorf("upload: invalid file id %q", info.ID)
	}
	if s.maxSize > 0 && info.Size > s.maxSize {
		return "", ErrTooLarge
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	discard := func() { os.Remove(tmpName) }

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		discard()
		return "", copyErr
	case closeErr != nil:
		discard()
		return "", closeErr
	case s.maxSize > 0 && n > s.maxSize:
		discard()
		return "", ErrTooLarge
	}

	rec := diskRecord{Name: info.Filename, Type: info.ContentType, Size: n, StoredAt: time.Now()}
	if err := s.writeRecord(info.ID, rec); err != nil {
		discard()
		return "", err
	}
	if err := os.Rename(tmpName, s.path(info.ID)); err != nil {
		discard()
		os.Remove(s.path(info.ID) + metaSuffix)
		return "", err
	}
	return s.baseURL + "/" + info.ID, nil
}

// Open returns a stored file. The caller must Close it.
func (s *DiskStore) Open(_ context.Context, id string) (*File, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	rec, err := s.readRecord(id)
	if err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &File{
		ID:          id,
		Filename:    rec.Name,
		ContentType: rec.Type,
		Size:        rec.Size,
		Path:        s.path(id),
		Reader:      f,
	}, nil
}

// Cleanup deletes files stored more than maxAge ago. Files without a
// record, such as leftover temporaries, are judged by modification time.
func (s *DiskStore) Cleanup(_ context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		var stale bool
		if rec, err := s.readRecord(name); err == nil {
			stale = rec.StoredAt.Before(cutoff)
		} else if fi, err := e.Info(); err == nil {
			stale = fi.ModTime().Before(cutoff)
		}
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		os.Remove(filepath.Join(s.dir, name+metaSuffix))
	}
	return errors.Join(errs...)
}

func (s *DiskStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *DiskStore) writeRecord(id string, rec diskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(id)+metaSuffix, data, 0o644)
}

func (s *DiskStore) readRecord(id string) (diskRecord, error) {
	var rec diskRecord
	data, err := os.ReadFile(s.path(id) + metaSuffix)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}
