package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrNotFound is returned when a stored file doesn't exist.
var ErrNotFound = errors.New("upload: file not found")

// ErrTooLarge is returned when a file exceeds the size limit.
var ErrTooLarge = errors.New("upload: file too large")

// FileInfo describes a file handed to a Store.
type FileInfo struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
}

// Store persists completed uploads and returns a resource locator.
type Store interface {
	// Save stores the file and returns its locator.
	Save(ctx context.Context, info FileInfo, r io.Reader) (locator string, err error)

	// Open returns a stored file by id.
	Open(ctx context.Context, id string) (*File, error)

	// Cleanup removes files older than maxAge.
	Cleanup(ctx context.Context, maxAge time.Duration) error
}

// File is a stored upload.
type File struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64

	// Path is the local filesystem path (DiskStore).
	Path string

	// URL is the remote URL (S3Store).
	URL string

	// Reader provides access to the file contents.
	Reader io.ReadCloser
}

// Close closes the file reader if open.
func (f *File) Close() error {
	if f.Reader != nil {
		return f.Reader.Close()
	}
	return nil
}

// ServeHandler serves stored files at a route with an {id} parameter:
//
//	r.Get("/uploads/{id}", upload.ServeHandler(store))
func ServeHandler(store Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			id = path.Base(r.URL.Path)
		}
		if !validID(id) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		f, err := store.Open(r.Context(), id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Read failed", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		if f.URL != "" && f.Reader == nil {
			http.Redirect(w, r, f.URL, http.StatusFound)
			return
		}

		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if f.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
		}
		if f.Filename != "" {
			w.Header().Set("Content-Disposition", `attachment; filename="`+SanitizeFilename(f.Filename)+`"`)
		}
		_, _ = io.Copy(w, f.Reader)
	})
}

// SanitizeFilename strips directories and characters unsafe in headers and
// paths. An empty result becomes "file".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f, r == '"', r == '/', r == '\\', r == ':':
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}

// TypeAllowed reports whether contentType matches one of allowed. Entries
// may be exact ("image/png") or wildcards ("image/*"). An empty list
// allows everything.
func TypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == ct || a == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "*"); ok && strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// validID accepts ids made of letters, digits, '-' and '_'.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
