// Package app wires configuration, storage, identity and the engine into a
// session used by the command line and integration tests.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"compagnons/internal/config"
	"compagnons/internal/db"
	"compagnons/internal/engine"
	"compagnons/internal/engine/auth"
	"compagnons/internal/kv"
	"compagnons/internal/migrate"
	"compagnons/internal/store"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Identity  auth.Provider
	Log       *zap.Logger
	Now       func() time.Time
}

// Session owns the storage backend for the lifetime of one process.
type Session struct {
	Engine engine.Engine
	Store  *store.Store
	Config *config.Config

	backend kv.Store
	conn    *sql.DB
	log     *zap.Logger
}

// Open connects the configured backend, applies migrations and loads the store.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{Config: cfg, log: log}
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		s.backend = kv.NewMemory()
	case config.DriverSQLite, config.DriverPostgres:
		conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Driver, err)
		}
		if err := migrate.Migrate(conn, cfg.Storage.Driver); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.conn = conn
		s.backend = kv.SQL{DB: conn, Driver: cfg.Storage.Driver, Now: now}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	st, err := store.Open(ctx, s.backend, store.Options{
		KeyPrefix: cfg.Storage.KeyPrefix,
		Seed:      cfg.Seed.Enabled,
		Log:       log.Named("store"),
		Now:       now,
	})
	if err != nil {
		s.closeConn()
		return nil, err
	}
	s.Store = st
	s.Engine = engine.New(st, opts.Identity, cfg, log.Named("engine"))
	s.Engine.Now = now
	return s, nil
}

// StorageEntry describes one persisted key.
type StorageEntry struct {
	Key       string `json:"key"`
	Size      int    `json:"size"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Entries lists what the backend currently holds.
func (s *Session) Entries(ctx context.Context) ([]StorageEntry, error) {
	switch b := s.backend.(type) {
	case kv.SQL:
		list, err := b.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]StorageEntry, 0, len(list))
		for _, e := range list {
			out = append(out, StorageEntry{Key: e.Key, Size: e.Size, UpdatedAt: e.UpdatedAt})
		}
		return out, nil
	case *kv.Memory:
		keys := b.Keys()
		sort.Strings(keys)
		out := make([]StorageEntry, 0, len(keys))
		for _, k := range keys {
			raw, err := b.Load(ctx, k)
			if err != nil {
				return nil, err
			}
			out = append(out, StorageEntry{Key: k, Size: len(raw)})
		}
		return out, nil
	}
	return nil, errors.New("backend cannot list entries")
}

// Schema lists the migrations applied to the SQL backend. The memory driver
// has none.
func (s *Session) Schema() ([]migrate.Applied, error) {
	if s.conn == nil {
		return nil, nil
	}
	return migrate.History(s.conn)
}

// Close retries any pending writes, then releases the backend.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.Store != nil {
		if pending := s.Store.Pending(); len(pending) > 0 {
			s.log.Warn("retrying unsaved collections", zap.Strings("collections", pending))
			if err := s.Store.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.closeConn(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) closeConn() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
