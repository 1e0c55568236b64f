package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotationConfig controls a RotatingWriter.
type RotationConfig struct {
	Filename string
	MaxSize  int64 // bytes; the file is rotated before a write that would exceed it
	MaxAge   time.Duration
	Compress bool
}

// RotatingWriter appends to a log file and moves it aside once it reaches
// MaxSize. Rotated files older than MaxAge are removed on open and after
// every rotation. It is safe for concurrent use.
type RotatingWriter struct {
	cfg RotationConfig
	now func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64

	// background compression and pruning
	bg sync.WaitGroup
}

// NewRotatingWriter opens cfg.Filename, creating its directory if needed.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		w.prune()
	}()

	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// MaxSize.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

// rotate is called with w.mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.cfg.Filename + "." + w.now().Format("20060102-150405.000000")
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.cfg.Compress {
			_ = gzipFile(rotated)
		}
		w.prune()
	}()
	return nil
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files last modified before now minus MaxAge.
func (w *RotatingWriter) prune() {
	if w.cfg.MaxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.cfg.Filename)
	prefix := filepath.Base(w.cfg.Filename) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := w.now().Add(-w.cfg.MaxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}
