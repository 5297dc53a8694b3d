// Package kvstore caches the device's connectivity settings and credentials
// in a fixed table and commits changed entries to flash.
//
// Plain settings are persisted as one file per key on the flash filesystem,
// raw bytes with no header. Certificate and private-key entries are routed
// to the credential store instead, which validates them before accepting.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

var (
	// ErrUnknownKey is returned for names and ids outside the table.
	ErrUnknownKey = errors.New("kvstore: unknown key")

	// ErrHardwareKey is returned for keys held inside the crypto engine,
	// which can be neither read nor written.
	ErrHardwareKey = errors.New("kvstore: hardware key cannot be accessed")

	// ErrValueTooLarge is returned when a value exceeds MaxValueLen.
	ErrValueTooLarge = errors.New("kvstore: value too large")

	// ErrKindMismatch is returned when a value is decoded as the wrong kind.
	ErrKindMismatch = errors.New("kvstore: value kind mismatch")

	// ErrCommitFailed wraps the aggregate error of a partially failed commit.
	ErrCommitFailed = errors.New("kvstore: commit failed")
)

// Files is the filesystem the cache persists plain settings to.
type Files interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
}

// Metrics receives cache observations.
type Metrics interface {
	ObserveSet(key string, changed bool)
	ObserveCommit(written, failed int, duration time.Duration)
	SetDirtyEntries(n int)
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache is the key-value table. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	files   Files
	creds   credstore.Store
	metrics Metrics
	table   [NumKeys]entry
}

// New returns an empty cache. Call Initialize to load persisted settings.
func New(files Files, creds credstore.Store, opts ...Option) *Cache {
	c := &Cache{files: files, creds: creds}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize loads every plain setting from the filesystem. Credential
// entries stay empty until first read.
func (c *Cache) Initialize(ctx context.Context) error {
	ctx, span := telemetry.StartKVSpan(ctx, "initialize")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for _, k := range Keys() {
		e := &c.table[k]
		e.dirty = false
		e.loaded = false
		e.clear()

		if _, cred := k.Credential(); cred || k.Hardware() {
			continue
		}

		data, err := c.files.ReadFile(ctx, k.Name())
		if errors.Is(err, flashfs.ErrNotExist) {
			continue
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("load %s: %w", k.Name(), err)
		}
		if len(data) > 0 {
			e.store(KindString, data)
			loaded++
		}
	}

	c.reportDirty()
	logger.DebugCtx(ctx, "kv cache initialized", logger.KeyCount, loaded)
	return nil
}

// Get returns the value of key. Credential entries are read from the
// credential store on first use; a missing object yields an empty value.
func (c *Cache) Get(ctx context.Context, key Key) (Value, error) {
	if err := checkKey(key); err != nil {
		return Value{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &c.table[key]
	if err := c.load(ctx, key, e); err != nil {
		return Value{}, err
	}
	return Value{
		Kind:  e.kind,
		Data:  append([]byte(nil), e.bytes()...),
		Dirty: e.dirty,
	}, nil
}

// load fetches a credential entry from the store once.
func (c *Cache) load(ctx context.Context, key Key, e *entry) error {
	kind, cred := key.Credential()
	if !cred || e.loaded || e.dirty {
		return nil
	}

	ctx, span := telemetry.StartKVSpan(ctx, "get", telemetry.KVKey(key.Name()))
	defer span.End()

	data, err := credstore.ReadKind(ctx, c.creds, kind)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		e.clear()
	case err != nil:
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("read %s from credential store: %w", kind, err)
	case len(data) == 0:
		e.clear()
	default:
		e.store(KindString, data)
	}
	e.loaded = true
	return nil
}

// Set stores data under key and reports whether the entry changed. An
// identical value leaves the dirty flag alone. Empty data clears the entry.
func (c *Cache) Set(ctx context.Context, key Key, data []byte) (bool, error) {
	if len(data) == 0 {
		return c.set(ctx, key, KindNone, nil)
	}
	return c.set(ctx, key, KindString, data)
}

// SetInt32 stores a signed 32-bit value.
func (c *Cache) SetInt32(ctx context.Context, key Key, v int32) (bool, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return c.set(ctx, key, KindInt32, b[:])
}

// SetUint32 stores an unsigned 32-bit value.
func (c *Cache) SetUint32(ctx context.Context, key Key, v uint32) (bool, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.set(ctx, key, KindUint32, b[:])
}

// Clear empties key. The next Commit removes its persisted copy.
func (c *Cache) Clear(ctx context.Context, key Key) (bool, error) {
	return c.set(ctx, key, KindNone, nil)
}

func (c *Cache) set(ctx context.Context, key Key, kind ValueKind, data []byte) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if len(data) > MaxValueLen {
		return false, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrValueTooLarge, key.Name(), len(data), MaxValueLen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &c.table[key]
	if err := c.load(ctx, key, e); err != nil {
		return false, err
	}

	if e.kind == kind && bytes.Equal(e.bytes(), data) {
		c.observeSet(key, false)
		return false, nil
	}

	if kind == KindNone {
		e.clear()
	} else {
		e.store(kind, data)
	}
	e.dirty = true

	c.observeSet(key, true)
	c.reportDirty()
	logger.DebugCtx(ctx, "kv entry changed",
		logger.Key(key.Name()),
		logger.Size(len(data)),
		logger.KeyKind, kind.String())
	return true, nil
}

// Commit persists every dirty entry in table order. Entries that fail stay
// dirty; the rest are still attempted. Nothing already written is rolled
// back. The returned error aggregates every failure.
func (c *Cache) Commit(ctx context.Context) error {
	ctx, span := telemetry.StartKVSpan(ctx, "commit")
	defer span.End()
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error
	written := 0
	for _, k := range Keys() {
		e := &c.table[k]
		if !e.dirty {
			continue
		}

		if err := c.persist(ctx, k, e); err != nil {
			logger.WarnCtx(ctx, "kv commit failed for entry", logger.Key(k.Name()), logger.Err(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", k.Name(), err))
			continue
		}
		e.dirty = false
		written++
	}

	failed := 0
	if result != nil {
		failed = len(result.Errors)
	}
	telemetry.SetAttributes(ctx, telemetry.KVWritten(written), telemetry.KVFailures(failed))
	if c.metrics != nil {
		c.metrics.ObserveCommit(written, failed, time.Since(start))
	}
	c.reportDirty()

	if err := result.ErrorOrNil(); err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	if written > 0 {
		logger.InfoCtx(ctx, "kv changes committed", logger.KeyCount, written)
	}
	return nil
}

func (c *Cache) persist(ctx context.Context, key Key, e *entry) error {
	if kind, cred := key.Credential(); cred {
		if e.kind == KindNone {
			h, err := c.creds.Find(ctx, kind.Label())
			if errors.Is(err, credstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return c.creds.Destroy(ctx, h)
		}
		return c.creds.Provision(ctx, kind, e.bytes())
	}

	if e.kind == KindNone {
		err := c.files.Remove(ctx, key.Name())
		if errors.Is(err, flashfs.ErrNotExist) {
			return nil
		}
		return err
	}
	return c.files.WriteFile(ctx, key.Name(), e.bytes())
}

// Dirty reports whether key has uncommitted changes.
func (c *Cache) Dirty(key Key) bool {
	if !key.Valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table[key].dirty
}

// Entry describes a table slot without its contents.
type Entry struct {
	Key        Key       `json:"-" yaml:"-"`
	Name       string    `json:"name" yaml:"name"`
	Alias      string    `json:"alias" yaml:"alias"`
	Kind       ValueKind `json:"-" yaml:"-"`
	Type       string    `json:"type" yaml:"type"`
	Length     int       `json:"length" yaml:"length"`
	Dirty      bool      `json:"dirty" yaml:"dirty"`
	Inline     bool      `json:"inline" yaml:"inline"`
	Credential bool      `json:"credential" yaml:"credential"`
	Hardware   bool      `json:"hardware" yaml:"hardware"`
	Loaded     bool      `json:"loaded" yaml:"loaded"`
}

// Snapshot describes every slot in table order. Credential entries not yet
// read show as empty.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, NumKeys)
	for _, k := range Keys() {
		e := &c.table[k]
		_, cred := k.Credential()
		out = append(out, Entry{
			Key:        k,
			Name:       k.Name(),
			Alias:      k.Alias(),
			Kind:       e.kind,
			Type:       e.kind.String(),
			Length:     len(e.bytes()),
			Dirty:      e.dirty,
			Inline:     e.inlined(),
			Credential: cred,
			Hardware:   k.Hardware(),
			Loaded:     !cred || e.loaded,
		})
	}
	return out
}

func (c *Cache) observeSet(key Key, changed bool) {
	if c.metrics != nil {
		c.metrics.ObserveSet(key.Name(), changed)
	}
}

// reportDirty publishes the dirty count. Called with c.mu held.
func (c *Cache) reportDirty() {
	if c.metrics == nil {
		return
	}
	n := 0
	for i := range c.table {
		if c.table[i].dirty {
			n++
		}
	}
	c.metrics.SetDirtyEntries(n)
}

func checkKey(key Key) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKey, int(key))
	}
	if key.Hardware() {
		return fmt.Errorf("%w: %s", ErrHardwareKey, key.Name())
	}
	return nil
}
