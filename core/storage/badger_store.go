package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded BadgerDB blob store.
type BadgerConfig struct {
	// Path is the directory for the database files. Ignored when InMemory.
	Path string

	// InMemory disables disk persistence, for tests.
	InMemory bool

	// SyncWrites forces fsync on every write.
	SyncWrites bool

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger *slog.Logger
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
	}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerBlobStore persists blobs in an embedded BadgerDB instance.
type BadgerBlobStore struct {
	db *badger.DB
}

func OpenBadgerBlobStore(cfg BadgerConfig) (*BadgerBlobStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites)

	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger blob store requires a path")
		}
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBlobStore{db: db}, nil
}

func (s *BadgerBlobStore) Put(_ context.Context, key string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *BadgerBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %q: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return data, nil
}

func (s *BadgerBlobStore) Stat(_ context.Context, key string) (BlobInfo, error) {
	var info BlobInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		info = BlobInfo{Key: key, Size: item.ValueSize()}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return BlobInfo{}, fmt.Errorf("stat %q: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return BlobInfo{}, fmt.Errorf("stat %q: %w", key, err)
	}
	return info, nil
}

func (s *BadgerBlobStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
