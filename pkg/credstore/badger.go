package credstore

import (
	"bytes"
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/flashkv/internal/logger"
)

const keyPrefix = "cred:"

func credKey(k Kind) []byte {
	return []byte(keyPrefix + k.Label())
}

// BadgerStore keeps credentials in a BadgerDB database. It serves as the
// host-side provisioning vault from which devices are loaded.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadgerStore opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	var opts badgerdb.Options
	if path == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badgerdb.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Provision validates and stores data under the label of kind.
func (s *BadgerStore) Provision(ctx context.Context, kind Kind, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(kind, data); err != nil {
		logger.Warn("credential rejected", logger.KeyLabel, kind.Label(), logger.Err(err))
		return err
	}

	value := bytes.TrimRight(data, "\x00")
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(credKey(kind), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", kind, err)
	}

	logger.Info("credential provisioned", logger.KeyLabel, kind.Label(), logger.Size(len(value)))
	return nil
}

// Find returns the handle of label if its object exists.
func (s *BadgerStore) Find(ctx context.Context, label string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return InvalidHandle, err
	}
	k, err := lookupLabel(label)
	if err != nil {
		return InvalidHandle, err
	}

	err = s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(credKey(k))
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return InvalidHandle, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	if err != nil {
		return InvalidHandle, fmt.Errorf("failed to find %s: %w", label, err)
	}
	return k.Handle(), nil
}

// Read returns the object behind h.
func (s *BadgerStore) Read(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := h.Kind()
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(credKey(k))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return data, nil
}

// Destroy removes the object behind h.
func (s *BadgerStore) Destroy(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := h.Kind()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(credKey(k)); err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		} else if err != nil {
			return err
		}
		return txn.Delete(credKey(k))
	})
}

// Labels returns the labels of every stored object.
func (s *BadgerStore) Labels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)

// CacheStats is a snapshot of one BadgerDB cache.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Ratio  float64
}

// CacheStats reports the block and index cache counters, keyed by cache
// type. Caches that are disabled report zeros.
func (s *BadgerStore) CacheStats() map[string]CacheStats {
	block := s.db.BlockCacheMetrics()
	index := s.db.IndexCacheMetrics()
	return map[string]CacheStats{
		"block": {Hits: block.Hits(), Misses: block.Misses(), Ratio: block.Ratio()},
		"index": {Hits: index.Hits(), Misses: index.Misses(), Ratio: index.Ratio()},
	}
}
