package logging

import (
	"fmt"
	"os"
	"sync"
)

// RotatingFile is a size-triggered rotating log file: <path>, <path>.1,
// <path>.2, up to maxBackups, each capped at maxBytes (spec.md §6:
// "mailsync-<accountId>.log rotating at 5 MB × 3"). No third-party rotation
// library appears anywhere in the retrieval pack, so this is a small
// stdlib os.Rename chain rather than an adopted dependency.
type RotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	f          *os.File
	size       int64
}

// OpenRotatingFile opens (creating if needed) the log file at path.
func OpenRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &RotatingFile{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		f:          f,
		size:       info.Size(),
	}, nil
}

// Write implements io.Writer, rotating before it would exceed maxBytes.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	for i := r.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		os.Rename(src, dst) // missing source is fine, nothing to shift
	}
	os.Rename(r.path, r.path+".1")

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("reopen log file after rotation: %w", err)
	}
	r.f = f
	r.size = 0
	return nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
