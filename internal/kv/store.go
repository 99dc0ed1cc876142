// Package kv provides a durable key-value cache with an in-memory mirror for
// synchronous reads. Durable storage is best-effort: corrupt or unreachable
// storage degrades to "absent" and never crashes the caller.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	keyPrefix = "stored"
	// indexKey holds the JSON list of tracked keys.
	indexKey = keyPrefix + "_storedKeys"
	// neverExpires marks a record without expiry.
	neverExpires int64 = -1
)

// Backend is the durable string storage behind a Store.
// Get reports found=false with a nil error when the key does not exist.
type Backend interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// record is the JSON envelope written to the backend for every value.
type record struct {
	// Expired is the expiry in unix milliseconds or -1 for never. Records
	// written without the field never expire either.
	Expired *int64          `json:"expired"`
	Data    json.RawMessage `json:"data"`
}

type entry struct {
	data      json.RawMessage
	expiresAt int64
}

func (e entry) expired(now time.Time) bool {
	return e.expiresAt != neverExpires && e.expiresAt < now.UnixMilli()
}

// Store is a process-wide cache of named JSON values. Every value lives in an
// in-memory mirror and is also written to the backend under a namespaced key.
// Keys saved with trackKey are listed in an index so Init can reload them.
type Store struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	mirror      map[string]entry
	keys        []string
	initialized bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store on top of backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     zap.NewNop(),
		now:     time.Now,
		mirror:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func durableKey(key string) string {
	return keyPrefix + "__" + key
}

// Init loads the tracked-key index and every tracked value into the mirror.
// A missing or malformed index is treated as empty. Calling Init more than
// once is a no-op.
func (s *Store) Init(ctx context.Context) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	keys := s.readIndex(ctx)

	s.mu.Lock()
	for _, k := range keys {
		if !slices.Contains(s.keys, k) {
			s.keys = append(s.keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		e, state := s.lookup(ctx, k)
		if state != found {
			continue
		}
		s.mu.Lock()
		s.mirror[k] = e
		s.mu.Unlock()
	}
	s.log.Debug("store initialized", zap.Int("tracked_keys", len(keys)))
}

func (s *Store) readIndex(ctx context.Context) []string {
	raw, ok, err := s.backend.Get(ctx, indexKey)
	if err != nil {
		s.log.Debug("read key index", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		s.log.Debug("malformed key index", zap.Error(err))
		return nil
	}
	return keys
}

// SetSync stores value in the mirror only.
func (s *Store) SetSync(key string, value any) {
	raw, err := encode(value)
	if err != nil {
		s.log.Debug("encode value", zap.String("key", key), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.mirror[key] = entry{data: raw, expiresAt: neverExpires}
	s.mu.Unlock()
}

// SetAsync stores value in the mirror and then durably without expiry.
// When trackKey is set the key is added to the index so Init reloads it.
// A durable failure does not roll back the mirror; it is returned so callers
// that need durability can react, and may be ignored otherwise.
func (s *Store) SetAsync(ctx context.Context, key string, value any, trackKey bool) error {
	return s.set(ctx, key, value, neverExpires, trackKey)
}

// SetAsyncTTL behaves like SetAsync but the record expires after ttl.
func (s *Store) SetAsyncTTL(ctx context.Context, key string, value any, ttl time.Duration, trackKey bool) error {
	return s.set(ctx, key, value, s.now().Add(ttl).UnixMilli(), trackKey)
}

func (s *Store) set(ctx context.Context, key string, value any, expiresAt int64, trackKey bool) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	s.mu.Lock()
	s.mirror[key] = entry{data: raw, expiresAt: expiresAt}
	var index []string
	if trackKey && !slices.Contains(s.keys, key) {
		s.keys = append(s.keys, key)
		index = slices.Clone(s.keys)
	}
	s.mu.Unlock()

	if index != nil {
		if err := s.writeIndex(ctx, index); err != nil {
			s.log.Debug("persist key index", zap.Error(err))
		}
	}

	buf, err := json.Marshal(record{Expired: &expiresAt, Data: raw})
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	if err := s.backend.Set(ctx, durableKey(key), string(buf)); err != nil {
		return fmt.Errorf("persist %q: %w", key, err)
	}
	return nil
}

func (s *Store) writeIndex(ctx context.Context, keys []string) error {
	buf, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, indexKey, string(buf))
}

// GetSync returns the mirrored value. It never touches durable storage.
func (s *Store) GetSync(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	e, ok := s.mirror[key]
	s.mu.RUnlock()
	if !ok || e.expired(s.now()) {
		return nil, false
	}
	return e.data, true
}

// GetAsync reads the durable record for key. Missing, corrupt and expired
// records are reported as absent; expired records are evicted.
func (s *Store) GetAsync(ctx context.Context, key string) (json.RawMessage, bool) {
	e, state := s.lookup(ctx, key)
	if state != found {
		return nil, false
	}
	return e.data, true
}

type lookupState int

const (
	absent lookupState = iota
	found
	evicted
)

func (s *Store) lookup(ctx context.Context, key string) (entry, lookupState) {
	dk := durableKey(key)
	raw, ok, err := s.backend.Get(ctx, dk)
	if err != nil {
		s.log.Debug("read record", zap.String("key", key), zap.Error(err))
		return entry{}, absent
	}
	if !ok {
		return entry{}, absent
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.Debug("malformed record", zap.String("key", key), zap.Error(err))
		return entry{}, absent
	}
	e := entry{data: rec.Data, expiresAt: neverExpires}
	if rec.Expired != nil {
		e.expiresAt = *rec.Expired
	}
	if e.expired(s.now()) {
		if err := s.backend.Remove(ctx, dk); err != nil {
			s.log.Debug("evict expired record", zap.String("key", key), zap.Error(err))
		}
		s.mu.Lock()
		if m, ok := s.mirror[key]; ok && m.expired(s.now()) {
			delete(s.mirror, key)
		}
		s.mu.Unlock()
		return entry{}, evicted
	}
	if isNull(e.data) {
		return entry{}, absent
	}
	return e, found
}

// DeleteAsync removes key from the mirror and durable storage, ignoring
// durable errors.
func (s *Store) DeleteAsync(ctx context.Context, key string) {
	if err := s.Delete(ctx, key); err != nil {
		s.log.Debug("delete record", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key from the mirror and durable storage. The mirror is
// always cleared; the durable error, if any, is returned.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()

	if err := s.backend.Remove(ctx, durableKey(key)); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys returns a snapshot of the tracked key index.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys)
}

// ErrNotFound is returned by GetAs when the key is absent.
var ErrNotFound = errors.New("kv: value not found")

// Decode unmarshals a stored value into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if isNull(raw) {
		return v, ErrNotFound
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// GetAs reads key through GetAsync and decodes it into T.
func GetAs[T any](ctx context.Context, s *Store, key string) (T, error) {
	raw, ok := s.GetAsync(ctx, key)
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return Decode[T](raw)
}

// isNull reports whether raw carries no value.
func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid raw JSON")
		}
		return slices.Clone(raw), nil
	}
	return json.Marshal(value)
}
