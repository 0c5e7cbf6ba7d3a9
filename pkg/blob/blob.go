// Package blob is the filesystem-backed blob store: streamed uploads with
// progress reporting, stable caller-chosen paths, delete by path.
package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"chatsync/pkg/logger"
	"chatsync/pkg/telemetry"
)

// Progress receives byte counts while an upload streams. Total is -1 when
// the caller did not declare a size up front.
type Progress func(written, total int64)

// Store serves blobs from a single root directory.
type Store struct {
	root string
}

// Open prepares a blob store rooted at dir, creating it when missing.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty blob root")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create blob root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// cleanPath validates a caller-chosen blob path and resolves it under the
// store root. Traversal outside the root is rejected.
func (s *Store) cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	cp := path.Clean(p)
	if cp == "." || cp == ".." || strings.HasPrefix(cp, "../") {
		return "", fmt.Errorf("invalid blob path: %s", p)
	}
	return filepath.Join(s.root, filepath.FromSlash(cp)), nil
}

// Put streams r into the blob at p, reporting progress per chunk. The
// upload is written to a temp file and renamed so a cancelled or failed
// upload never leaves a partial blob at the final path. Cancellation via
// ctx aborts between chunks.
func (s *Store) Put(ctx context.Context, p string, r io.Reader, total int64, progress Progress) (string, int64, error) {
	full, err := s.cleanPath(p)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", 0, fmt.Errorf("cannot create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("cannot create temp blob: %w", err)
	}
	defer func() {
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	var written int64
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return "", written, ctx.Err()
		default:
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return "", written, fmt.Errorf("blob write failed: %w", werr)
			}
			written += int64(n)
			telemetry.BlobBytesWritten.Add(float64(n))
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", written, fmt.Errorf("blob read failed: %w", rerr)
		}
	}
	if err := tmp.Sync(); err != nil {
		return "", written, fmt.Errorf("blob sync failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", written, fmt.Errorf("blob close failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", written, fmt.Errorf("blob rename failed: %w", err)
	}
	logger.Info("blob_stored", "path", p, "bytes", written)
	return s.URL(p), written, nil
}

// Delete removes the blob at p. A missing blob is a no-op success.
func (s *Store) Delete(p string) error {
	full, err := s.cleanPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("blob delete failed: %w", err)
	}
	logger.Info("blob_deleted", "path", p)
	return nil
}

// Open returns a reader over the blob at p together with its size.
func (s *Store) Open(p string) (io.ReadCloser, int64, error) {
	full, err := s.cleanPath(p)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("blob not found: %s", p)
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// URL returns the stable serving URL for a blob path.
func (s *Store) URL(p string) string {
	return "/v1/blobs/" + strings.TrimPrefix(p, "/")
}

// Walk visits every stored blob path (slash-separated, relative to root).
func (s *Store) Walk(fn func(p string) error) error {
	return filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, full)
		if rerr != nil {
			return rerr
		}
		return fn(filepath.ToSlash(rel))
	})
}
