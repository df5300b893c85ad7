// Copyright 2024-2026 Aiku AI

// Package storage stages attachments on local disk while they are relayed
// and caches the public URLs of uploaded avatars.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStagerClosed is returned by Stage after Close.
var ErrStagerClosed = errors.New("stager closed")

// Stager writes downloaded attachments to a temporary directory. Staged
// files are reference counted and removed once the last holder releases
// them; Close removes whatever is still staged.
type Stager struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	files  map[*File]struct{}
	closed bool
}

// NewStager creates the staging directory under dir (os.TempDir() if empty).
func NewStager(dir string, log zerolog.Logger) (*Stager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	staging, err := os.MkdirTemp(dir, "relaybridge-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Stager{
		dir:   staging,
		log:   log.With().Str("component", "stager").Logger(),
		files: make(map[*File]struct{}),
	}, nil
}

// Dir returns the directory staged files are written to.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies r to a new file. name is the original filename; it is kept
// as File.Name but not used on disk. The returned file holds one reference.
func (s *Stager) Stage(ctx context.Context, name string, r io.Reader) (*File, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStagerClosed
	}

	path := filepath.Join(s.dir, uuid.NewString()+filepath.Ext(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), readerWithContext(ctx, r))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write staged file: %w", err)
	}

	mime := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		mime = mt.String()
	}

	file := &File{
		Path:   path,
		Name:   name,
		Size:   size,
		MIME:   mime,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		stager: s,
		refs:   1,
	}
	s.mu.Lock()
	s.files[file] = struct{}{}
	s.mu.Unlock()

	s.log.Debug().
		Str("name", name).
		Str("mime", mime).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("Staged file")
	return file, nil
}

// Staged returns the number of files currently on disk.
func (s *Stager) Staged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Close removes every staged file and the staging directory. Files still
// referenced become unusable.
func (s *Stager) Close() error {
	s.mu.Lock()
	s.closed = true
	leftover := len(s.files)
	s.files = make(map[*File]struct{})
	s.mu.Unlock()
	if leftover > 0 {
		s.log.Warn().Int("files", leftover).Msg("Removing files still staged at shutdown")
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}
	return nil
}

func (s *Stager) forget(f *File) {
	s.mu.Lock()
	delete(s.files, f)
	s.mu.Unlock()
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn().Err(err).Str("path", f.Path).Msg("Failed to remove staged file")
	}
}

// File is a staged attachment. A nil *File is valid and behaves as an
// absent file for Retain and Release.
type File struct {
	Path   string
	Name   string
	Size   int64
	MIME   string
	SHA256 string

	stager *Stager
	mu     sync.Mutex
	refs   int
}

// Retain adds a reference and returns f.
func (f *File) Retain() *File {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return f
}

// Release drops a reference. The file is removed from disk when the last
// reference is released.
func (f *File) Release() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if last && f.stager != nil {
		f.stager.forget(f)
	}
}

// Open opens the staged file for reading.
func (f *File) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// ReadAll returns the staged file's content.
func (f *File) ReadAll() ([]byte, error) {
	return os.ReadFile(f.Path)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
