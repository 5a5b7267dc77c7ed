// Package cmd provides the easel CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/adalundhe/easel/core/canvassync"
	"github.com/adalundhe/easel/core/config"
	"github.com/adalundhe/easel/core/lock"
	"github.com/adalundhe/easel/core/metadata"
	"github.com/adalundhe/easel/core/storage"
)

// buildService assembles a canvas sync service from the resolved config:
// badger for blobs, sqlite for metadata, file locks for exclusion. The
// returned closer releases all three.
func buildService() (*canvassync.Service, func(), error) {
	dirs := storage.ResolveDirs()
	if err := dirs.EnsureAll(); err != nil {
		return nil, nil, fmt.Errorf("create directories: %w", err)
	}

	manager := config.NewManager(dirs)
	if err := manager.Load(); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()

	logger := newLogger(cfg.Log.Level)

	blobs, err := storage.OpenBadgerBlobStore(storage.BadgerConfig{
		Path:       cfg.Storage.BlobDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}

	meta, err := metadata.Open(cfg.Database.Path)
	if err != nil {
		blobs.Close()
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}

	locks, err := lock.NewFlockService(cfg.Lock.Dir)
	if err != nil {
		meta.Close()
		blobs.Close()
		return nil, nil, fmt.Errorf("open lock dir: %w", err)
	}

	service, err := canvassync.NewService(canvassync.Config{
		Blobs:    blobs,
		Locks:    locks,
		Metadata: meta,
		Logger:   logger,
		Retry: lock.RetryPolicy{
			MaxRetries:   cfg.Lock.MaxRetries,
			InitialDelay: cfg.Lock.InitialDelay,
			Multiplier:   cfg.Lock.Multiplier,
		},
	})
	if err != nil {
		meta.Close()
		blobs.Close()
		return nil, nil, err
	}

	closer := func() {
		service.Close()
		meta.Close()
		blobs.Close()
	}
	return service, closer, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
