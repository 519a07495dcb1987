package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type Walker struct {
	extensions   map[string]struct{}
	ignored      map[string]struct{}
	maxFileBytes int64
}

func NewWalker(extensions []string, maxFileBytes int64) *Walker {
	ext := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = struct{}{}
	}
	return &Walker{
		extensions:   ext,
		ignored:      map[string]struct{}{".git": {}, "vendor": {}, "node_modules": {}, "__pycache__": {}, ".venv": {}, "dist": {}, "build": {}},
		maxFileBytes: maxFileBytes,
	}
}

// Walk returns the matching files under root with slash-separated paths
// relative to root.
func (w *Walker) Walk(ctx context.Context, root string) ([]SourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	var out []SourceFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := w.ignored[d.Name()]; skip && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, ok := w.extensions[strings.ToLower(filepath.Ext(d.Name()))]; len(w.extensions) > 0 && !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if w.maxFileBytes > 0 && fi.Size() > w.maxFileBytes {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if isBinary(content) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, SourceFile{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

func isBinary(b []byte) bool {
	if len(b) > 8000 {
		b = b[:8000]
	}
	return bytes.IndexByte(b, 0) >= 0
}
