// Package store holds the six entity collections of the marketplace and
// persists them through a kv.Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"compagnons/internal/domain"
	"compagnons/internal/kv"
	"compagnons/internal/seed"
)

const DefaultKeyPrefix = "app_"

// ErrTxDone is returned when committing a transaction twice.
var ErrTxDone = errors.New("transaction already finished")

// Collections groups the typed collections.
type Collections struct {
	Announcements *Collection[domain.Announcement]
	Quotes        *Collection[domain.Quote]
	Messages      *Collection[domain.Message]
	Projects      *Collection[domain.Project]
	Reviews       *Collection[domain.Review]
	Notifications *Collection[domain.Notification]
}

func newCollections() *Collections {
	return &Collections{
		Announcements: newCollection("announcements", true, func(a *domain.Announcement, id string, now time.Time) {
			a.ID, a.CreatedAt = id, now
		}),
		Quotes: newCollection("quotes", false, func(q *domain.Quote, id string, now time.Time) {
			q.ID, q.CreatedAt = id, now
		}),
		Messages: newCollection("messages", false, func(m *domain.Message, id string, now time.Time) {
			m.ID, m.CreatedAt = id, now
		}),
		Projects: newCollection("projects", false, func(p *domain.Project, id string, now time.Time) {
			p.ID = id
			if p.StartDate.IsZero() {
				p.StartDate = now
			}
		}),
		Reviews: newCollection("reviews", false, func(r *domain.Review, id string, now time.Time) {
			r.ID, r.CreatedAt = id, now
		}),
		Notifications: newCollection("notifications", true, func(n *domain.Notification, id string, now time.Time) {
			n.ID, n.CreatedAt = id, now
		}),
	}
}

func (c *Collections) all() []persisted {
	return []persisted{c.Announcements, c.Quotes, c.Messages, c.Projects, c.Reviews, c.Notifications}
}

// Options configure a Store.
type Options struct {
	KeyPrefix string
	// Seed fills absent or unreadable collections with reference data.
	Seed  bool
	Log   *zap.Logger
	Now   func() time.Time
	NewID func() string
}

// Store serializes access to the collections. Mutations happen inside a Tx.
type Store struct {
	mu     sync.Mutex
	cols   *Collections
	kv     kv.Store
	prefix string
	log    *zap.Logger
}

// Open loads every collection from backend. A missing key, a backend error or
// an undecodable value falls back to seed data; only seed decoding can fail.
func Open(ctx context.Context, backend kv.Store, opts Options) (*Store, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	s := &Store{
		cols:   newCollections(),
		kv:     backend,
		prefix: opts.KeyPrefix,
		log:    opts.Log,
	}
	now := func() time.Time { return opts.Now().UTC() }
	setClock(s.cols.Announcements, opts.NewID, now)
	setClock(s.cols.Quotes, opts.NewID, now)
	setClock(s.cols.Messages, opts.NewID, now)
	setClock(s.cols.Projects, opts.NewID, now)
	setClock(s.cols.Reviews, opts.NewID, now)
	setClock(s.cols.Notifications, opts.NewID, now)

	var data seed.Data
	if opts.Seed {
		d, err := seed.Load()
		if err != nil {
			return nil, err
		}
		data = d
	}
	load(ctx, s, s.cols.Announcements, data.Announcements)
	load(ctx, s, s.cols.Quotes, data.Quotes)
	load(ctx, s, s.cols.Messages, data.Messages)
	load(ctx, s, s.cols.Projects, data.Projects)
	load(ctx, s, s.cols.Reviews, data.Reviews)
	load(ctx, s, s.cols.Notifications, data.Notifications)
	return s, nil
}

func setClock[T Record](c *Collection[T], newID func() string, now func() time.Time) {
	c.newID, c.now = newID, now
}

func load[T Record](ctx context.Context, s *Store, c *Collection[T], fallback []T) {
	key := s.Key(c.Name())
	raw, err := s.kv.Load(ctx, key)
	switch {
	case errors.Is(err, kv.ErrAbsent):
		c.replace(fallback)
		return
	case err != nil:
		s.log.Warn("load failed, using seed data", zap.String("key", key), zap.Error(err))
		c.replace(fallback)
		return
	}
	if err := c.decode(raw); err != nil {
		s.log.Warn("stored value unreadable, using seed data", zap.String("key", key), zap.Error(err))
		c.replace(fallback)
	}
}

// Key returns the persistence key of a collection.
func (s *Store) Key(name string) string { return s.prefix + name }

// Keys lists the six persistence keys.
func (s *Store) Keys() []string {
	var keys []string
	for _, c := range s.cols.all() {
		keys = append(keys, s.Key(c.Name()))
	}
	return keys
}

// Tx is an exclusive, all-or-nothing unit of work over the collections.
type Tx struct {
	*Collections
	s       *Store
	restore []func()
	done    bool
}

// Begin locks the store until Commit or Rollback.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	tx := &Tx{Collections: s.cols, s: s}
	for _, c := range s.cols.all() {
		tx.restore = append(tx.restore, c.checkpoint())
	}
	return tx
}

// Commit persists the collections changed so far and releases the store.
// A failed save is logged and retried on the next commit or Flush.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.s.mu.Unlock()
	tx.s.persist(ctx, false)
	return nil
}

// Rollback restores the state seen at Begin. It is a no-op after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	for _, r := range tx.restore {
		r()
	}
	tx.s.mu.Unlock()
}

// View runs fn with read access to the collections.
func (s *Store) View(fn func(c *Collections)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cols)
}

// Flush writes every collection, dirty or not, and reports save failures.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(ctx, true)
}

func (s *Store) persist(ctx context.Context, all bool) error {
	var errs []error
	for _, c := range s.cols.all() {
		if !all && !c.isDirty() {
			continue
		}
		key := s.Key(c.Name())
		raw, err := c.encode()
		if err != nil {
			s.log.Warn("encode failed, keeping in-memory state", zap.String("key", key), zap.Error(err))
			c.setDirty(true)
			errs = append(errs, err)
			continue
		}
		if err := s.kv.Save(ctx, key, raw); err != nil {
			s.log.Warn("save failed, keeping in-memory state", zap.String("key", key), zap.Error(err))
			c.setDirty(true)
			errs = append(errs, fmt.Errorf("save %s: %w", key, err))
			continue
		}
		c.setDirty(false)
	}
	return errors.Join(errs...)
}

// Pending lists collections whose latest state has not reached the backend.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, c := range s.cols.all() {
		if c.isDirty() {
			names = append(names, c.Name())
		}
	}
	return names
}

// Snapshot returns the persistence encoding of every collection by name.
func (s *Store) Snapshot() (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, 6)
	for _, c := range s.cols.all() {
		raw, err := c.encode()
		if err != nil {
			return nil, err
		}
		out[c.Name()] = raw
	}
	return out, nil
}
