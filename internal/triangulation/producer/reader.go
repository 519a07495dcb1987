package producer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SourceReader loads repository files for prompt context and the degraded
// extractor. Paths are relative to the run root.
type SourceReader interface {
	Read(ctx context.Context, root string, path string) ([]byte, error)
}

type fsReader struct {
	maxBytes int64
}

// NewFSReader reads from the local filesystem, truncating files larger than
// maxBytes.
func NewFSReader(maxBytes int64) SourceReader {
	return &fsReader{maxBytes: maxBytes}
}

func (r *fsReader) Read(ctx context.Context, root string, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path escapes run root: %s", path)
	}
	f, err := os.Open(filepath.Join(root, clean))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rd io.Reader = f
	if r.maxBytes > 0 {
		rd = io.LimitReader(f, r.maxBytes)
	}
	return io.ReadAll(rd)
}

// MapReader serves files from memory. Runs planned from uploaded content and
// tests use it.
type MapReader struct {
	mu    sync.RWMutex
	files map[string]map[string][]byte
}

func NewMapReader() *MapReader {
	return &MapReader{files: map[string]map[string][]byte{}}
}

func (r *MapReader) Put(root, path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[root] == nil {
		r.files[root] = map[string][]byte{}
	}
	r.files[root][path] = content
}

func (r *MapReader) Read(_ context.Context, root string, path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.files[root][path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return b, nil
}
