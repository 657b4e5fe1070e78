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

const rotatedSuffixFormat = "20060102-150405.000000000"

// RotationConfig controls when and how a log file is rotated.
type RotationConfig struct {
	Filename string
	// MaxBytes rotates the file before a write would grow it past this size.
	MaxBytes int64
	// MaxAge removes rotated files older than this. Zero keeps them all.
	MaxAge   time.Duration
	Compress bool
}

// RotatingWriter is a size-rotated log file. It is safe for concurrent use.
// Compression and pruning of rotated files run in the background and are
// waited for by Close.
type RotatingWriter struct {
	cfg RotationConfig

	mu      sync.Mutex
	file    *os.File
	size    int64
	pending sync.WaitGroup
	now     func() time.Time
}

// NewRotatingWriter opens (or appends to) filename, rotating at maxSizeMB
// and pruning rotated files older than maxAgeDays.
func NewRotatingWriter(filename string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	return NewRotatingWriterWithConfig(RotationConfig{
		Filename: filename,
		MaxBytes: int64(maxSizeMB) * 1024 * 1024,
		MaxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		Compress: compress,
	})
}

// NewRotatingWriterWithConfig opens cfg.Filename for appending.
func NewRotatingWriterWithConfig(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.background(w.prune)
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

// Write appends p, rotating first when p would not fit. A single write
// larger than MaxBytes still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the current file aside and starts a new one.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

// Close closes the current file and waits for background work.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.pending.Wait()
	return err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.cfg.Filename + "." + w.now().Format(rotatedSuffixFormat)
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.cfg.Compress {
		w.background(func() { _ = compressFile(rotated) })
	}
	w.background(w.prune)
	return nil
}

func (w *RotatingWriter) background(fn func()) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		fn()
	}()
}

// prune removes rotated files older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.cfg.MaxAge <= 0 {
		return
	}

	rotated, err := filepath.Glob(w.cfg.Filename + ".*")
	if err != nil {
		return
	}

	cutoff := w.now().Add(-w.cfg.MaxAge)
	for _, path := range rotated {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(path)
	}
}

// compressFile gzips path next to itself and removes the original.
func compressFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}

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
		os.Remove(path + ".gz")
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
