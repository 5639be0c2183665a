package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/bus"
)

// Stores holds the storage backends built from a Config.
type Stores struct {
	// Persister receives every summary and artifact write.
	Persister artifacts.Persister
	// Reports and Catalog are served by the primary backend.
	Reports artifacts.ReportChecker
	Catalog artifacts.Catalog
	// Events is the persisted event history.
	Events bus.EventStore

	closers []func() error
}

// primary is a backend that can answer report and catalog queries.
type primary interface {
	artifacts.Persister
	artifacts.ReportChecker
	artifacts.Catalog
}

// OpenStores builds the configured backends. The primary backend is SQLite
// when a path is set, else Redis, else an in-memory store. Redis, the object
// store and the Postgres ticker index are layered on top when configured.
func OpenStores(ctx context.Context, cfg Config, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}
	if err := s.open(ctx, cfg, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) open(ctx context.Context, cfg Config, logger *slog.Logger) error {
	var main primary
	var writers artifacts.Fanout

	if path := cfg.Storage.SQLitePath; path != "" {
		store, err := artifacts.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, store.Close)
		main = store
		logger.Info("storage: sqlite artifacts", "path", path)
	}

	if url := cfg.Storage.RedisURL; url != "" {
		store, err := artifacts.NewRedisStore(artifacts.RedisConfig{URL: url, Prefix: cfg.Storage.RedisPrefix})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if main == nil {
			main = store
		} else {
			writers = append(writers, store)
		}
		logger.Info("storage: redis artifacts", "prefix", cfg.Storage.RedisPrefix)
	}

	if main == nil {
		main = artifacts.NewMemoryStore()
		logger.Warn("storage: no artifact backend configured, results are kept in memory only")
	}

	if obj := cfg.Storage.ObjectStore; obj != nil {
		store, err := artifacts.NewObjectStore(ctx, artifacts.ObjectStoreConfig{
			Endpoint:  obj.Endpoint,
			AccessKey: obj.AccessKey,
			SecretKey: obj.SecretKey,
			Region:    obj.Region,
			UseSSL:    obj.UseSSL,
			Bucket:    obj.Bucket,
			Prefix:    obj.Prefix,
		})
		if err != nil {
			return err
		}
		writers = append(writers, store)
		logger.Info("storage: object store mirror", "endpoint", obj.Endpoint, "bucket", obj.Bucket)
	}

	var persister artifacts.Persister = main
	if len(writers) > 0 {
		persister = append(artifacts.Fanout{main}, writers...)
	}

	if url := cfg.Storage.DatabaseURL; url != "" {
		db, err := artifacts.OpenPostgres(ctx, artifacts.DefaultPostgresConfig(url))
		if err != nil {
			return err
		}
		index, err := artifacts.NewTickerIndex(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		s.closers = append(s.closers, index.Close)
		persister = artifacts.NewIndexedPersister(persister, index, logger)
		logger.Info("storage: postgres ticker index enabled")
	}

	s.Persister = persister
	s.Reports = main
	s.Catalog = main

	if path := cfg.EventStorePath(); path != "" {
		events, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            path,
			RetentionAge:   cfg.Events.RetentionAge,
			RetentionCount: cfg.Events.RetentionCount,
		})
		if err != nil {
			return fmt.Errorf("event store: %w", err)
		}
		s.closers = append(s.closers, events.Close)
		s.Events = events
	} else {
		s.Events = bus.NewMemEventStore()
	}
	return nil
}

// Close releases every opened backend in reverse order.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
