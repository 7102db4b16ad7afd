package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// queueKey is the single key under which the whole queue is stored.
var queueKey = []byte("fieldsync/queue")

// BadgerStore keeps the queue in an embedded Badger database on the device.
// The entire queue lives under one key as a versioned JSON envelope.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open creates the database directory if needed and opens the Badger store.
func Open(path string, logger *zap.Logger) (*BadgerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy; zap covers our needs

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenInMemory opens a Badger store backed by memory only. Used in tests.
func OpenInMemory(logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Load(ctx context.Context) ([]domain.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(queueKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err = entry.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read queue value: %w", err)
	}

	items := Decode(raw)
	if len(raw) > 0 && items == nil {
		s.logger.Warn("persisted queue is unparseable, starting empty",
			zap.Int("raw_bytes", len(raw)))
	}
	return items, nil
}

func (s *BadgerStore) Save(ctx context.Context, items []domain.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := Encode(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey, raw)
	})
	if err != nil {
		return fmt.Errorf("write queue value: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// compile-time check that BadgerStore implements Store
var _ Store = (*BadgerStore)(nil)
