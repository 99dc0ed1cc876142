// Package filestore implements a kv.Backend that keeps all records in a single
// JSON document on disk, optionally sealed with AES-GCM.
package filestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// DefaultFile is the document name used when no path is configured.
const DefaultFile = "session.json"

const hkdfInfo = "gophsession file store v1"

// ErrCorrupt marks a document that cannot be opened or decoded. Such a
// document is moved aside and the store starts empty.
var ErrCorrupt = errors.New("filestore: corrupt document")

type document struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// FileStore is a kv.Backend persisted to one file. Every mutation rewrites
// the whole document through a temporary file and rename.
type FileStore struct {
	path string
	aead cipher.AEAD
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithAEAD seals the document with aead.
func WithAEAD(aead cipher.AEAD) Option {
	return func(fs *FileStore) { fs.aead = aead }
}

// WithLogger sets the logger that reports discarded documents.
func WithLogger(l *zap.Logger) Option {
	return func(fs *FileStore) {
		if l != nil {
			fs.log = l
		}
	}
}

// New returns a FileStore for path. The file is read lazily on first use.
func New(path string, opts ...Option) *FileStore {
	if path == "" {
		path = DefaultFile
	}
	fs := &FileStore{path: path, log: zap.NewNop()}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// NewAEADFromSecret derives an AES-256-GCM cipher from a passphrase with
// HKDF-SHA256. The same secret and salt always yield the same key.
func NewAEADFromSecret(secret, salt []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, errors.New("filestore: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

// Get returns the value stored under key.
func (fs *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.load(); err != nil {
		return "", false, err
	}
	v, ok := fs.entries[key]
	return v, ok, nil
}

// Set stores value under key and rewrites the document.
func (fs *FileStore) Set(_ context.Context, key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.load(); err != nil {
		return err
	}
	prev, had := fs.entries[key]
	fs.entries[key] = value
	if err := fs.save(); err != nil {
		if had {
			fs.entries[key] = prev
		} else {
			delete(fs.entries, key)
		}
		return err
	}
	return nil
}

// Remove deletes key and rewrites the document.
func (fs *FileStore) Remove(_ context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.load(); err != nil {
		return err
	}
	prev, had := fs.entries[key]
	if !had {
		return nil
	}
	delete(fs.entries, key)
	if err := fs.save(); err != nil {
		fs.entries[key] = prev
		return err
	}
	return nil
}

func (fs *FileStore) load() error {
	if fs.loaded {
		return nil
	}
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fs.reset()
			return nil
		}
		return fmt.Errorf("read %s: %w", fs.path, err)
	}

	entries, err := fs.decode(raw)
	if err != nil {
		return fs.discard(err)
	}
	fs.entries = entries
	fs.loaded = true
	return nil
}

func (fs *FileStore) decode(raw []byte) (map[string]string, error) {
	if fs.aead != nil {
		ns := fs.aead.NonceSize()
		if len(raw) < ns {
			return nil, ErrCorrupt
		}
		var err error
		raw, err = fs.aead.Open(nil, raw[:ns], raw[ns:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]string)
	}
	return doc.Entries, nil
}

// discard moves an unreadable document to <path>.corrupt and starts empty,
// so the next write replaces it.
func (fs *FileStore) discard(cause error) error {
	backup := fs.path + ".corrupt"
	if err := os.Rename(fs.path, backup); err != nil {
		return fmt.Errorf("move aside %s: %w", fs.path, errors.Join(cause, err))
	}
	fs.log.Warn("discarded unreadable session file",
		zap.String("path", fs.path),
		zap.String("backup", backup),
		zap.Error(cause),
	)
	fs.reset()
	return nil
}

func (fs *FileStore) reset() {
	fs.entries = make(map[string]string)
	fs.loaded = true
}

func (fs *FileStore) save() error {
	buf, err := json.Marshal(document{Version: 1, Entries: fs.entries})
	if err != nil {
		return err
	}
	if fs.aead != nil {
		nonce := make([]byte, fs.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		buf = fs.aead.Seal(nonce, nonce, buf, nil)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
