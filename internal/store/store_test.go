package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"compagnons/internal/domain"
	"compagnons/internal/kv"
)

type mockKV struct {
	mock.Mock
}

func (m *mockKV) Load(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

func (m *mockKV) Save(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func openMemory(t *testing.T, mem *kv.Memory, seeded bool) *Store {
	t.Helper()
	s, err := Open(context.Background(), mem, Options{Seed: seeded, Now: fixedClock(), NewID: sequentialIDs()})
	require.NoError(t, err)
	return s
}

func TestOpenFallsBackToSeedWhenKeysAbsent(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), true)
	s.View(func(c *Collections) {
		assert.Equal(t, 6, c.Announcements.Len())
		assert.Equal(t, 4, c.Quotes.Len())
		assert.Equal(t, 0, c.Notifications.Len())
	})
	assert.Empty(t, s.Pending())
}

func TestOpenWithoutSeedStartsEmpty(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), false)
	s.View(func(c *Collections) {
		assert.Equal(t, 0, c.Announcements.Len())
		assert.Equal(t, 0, c.Projects.Len())
	})
}

func TestCreateOrdering(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), false)
	tx := s.Begin()
	first := tx.Announcements.Create(domain.Announcement{Title: "first"})
	second := tx.Announcements.Create(domain.Announcement{Title: "second"})
	q1 := tx.Quotes.Create(domain.Quote{Amount: 1})
	q2 := tx.Quotes.Create(domain.Quote{Amount: 2})
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, "id-001", first.ID)
	assert.Equal(t, fixedClock()(), first.CreatedAt)
	s.View(func(c *Collections) {
		anns := c.Announcements.All()
		require.Len(t, anns, 2)
		assert.Equal(t, second.ID, anns[0].ID)
		assert.Equal(t, first.ID, anns[1].ID)
		quotes := c.Quotes.All()
		assert.Equal(t, []string{q1.ID, q2.ID}, []string{quotes[0].ID, quotes[1].ID})
	})
}

func TestUpdateUnknownIDIsNotFound(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), true)
	tx := s.Begin()
	defer tx.Rollback()
	_, err := tx.Quotes.Update("missing", func(q *domain.Quote) { q.Amount = 3 })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIsCopyOnWrite(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), true)
	var before []domain.Quote
	s.View(func(c *Collections) { before = c.Quotes.All() })

	tx := s.Begin()
	updated, err := tx.Quotes.Update("q1", func(q *domain.Quote) { q.Decision = domain.DecisionRefused })
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, domain.DecisionRefused, updated.Decision)
	assert.Equal(t, domain.DecisionPending, before[0].Decision)
}

func TestRollbackRestoresEveryCollection(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), true)
	tx := s.Begin()
	tx.Notifications.Create(domain.Notification{UserID: "user1"})
	_, err := tx.Announcements.Update("1", func(a *domain.Announcement) { a.Status = domain.StatusInProgress })
	require.NoError(t, err)
	tx.Rollback()
	tx.Rollback()

	s.View(func(c *Collections) {
		assert.Equal(t, 0, c.Notifications.Len())
		a, err := c.Announcements.Get("1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQuoteSent, a.Status)
	})
	assert.Empty(t, s.Pending())
}

func TestCommitTwiceFails(t *testing.T) {
	s := openMemory(t, kv.NewMemory(), false)
	tx := s.Begin()
	require.NoError(t, tx.Commit(context.Background()))
	require.ErrorIs(t, tx.Commit(context.Background()), ErrTxDone)
	tx.Rollback()
}

func TestCommitPersistsOnlyDirtyCollections(t *testing.T) {
	mem := kv.NewMemory()
	s := openMemory(t, mem, false)
	tx := s.Begin()
	tx.Messages.Create(domain.Message{Content: "bonjour"})
	require.NoError(t, tx.Commit(context.Background()))

	assert.ElementsMatch(t, []string{"app_messages"}, mem.Keys())
}

func TestRoundTripReproducesEntities(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	s := openMemory(t, mem, true)
	tx := s.Begin()
	tx.Notifications.Create(domain.Notification{UserID: "user1", Type: domain.NotificationQuote, RelatedID: "1"})
	_, err := tx.Projects.Update("p1", func(p *domain.Project) {
		end := time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC)
		p.EndDate = &end
		p.Status = domain.ProjectCompleted
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, s.Flush(ctx))

	reopened := openMemory(t, mem, false)
	want, err := s.Snapshot()
	require.NoError(t, err)
	got, err := reopened.Snapshot()
	require.NoError(t, err)
	for name, raw := range want {
		assert.JSONEq(t, string(raw), string(got[name]), name)
	}

	reopened.View(func(c *Collections) {
		p, err := c.Projects.Get("p1")
		require.NoError(t, err)
		require.NotNil(t, p.EndDate)
		assert.True(t, p.EndDate.Equal(time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC)))
		q, err := c.Quotes.Get("q2")
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionAccepted, q.Decision)
	})
}

func TestLoadErrorFallsBackToSeed(t *testing.T) {
	backend := new(mockKV)
	backend.On("Load", mock.Anything, mock.Anything).Return(nil, errors.New("storage unavailable"))
	s, err := Open(context.Background(), backend, Options{Seed: true})
	require.NoError(t, err)
	s.View(func(c *Collections) {
		assert.Equal(t, 6, c.Announcements.Len())
	})
	backend.AssertNumberOfCalls(t, "Load", 6)
}

func TestUndecodableValueFallsBackToSeed(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, mem.Save(context.Background(), "app_quotes", []byte(`{not json`)))
	s := openMemory(t, mem, true)
	s.View(func(c *Collections) {
		assert.Equal(t, 4, c.Quotes.Len())
	})
}

func TestSaveFailureKeepsStateAndRetries(t *testing.T) {
	ctx := context.Background()
	backend := new(mockKV)
	backend.On("Load", mock.Anything, mock.Anything).Return(nil, kv.ErrAbsent)
	backend.On("Save", mock.Anything, "app_reviews", mock.Anything).Return(errors.New("disk full")).Once()
	backend.On("Save", mock.Anything, "app_reviews", mock.Anything).Return(nil)

	s, err := Open(ctx, backend, Options{Seed: true})
	require.NoError(t, err)

	tx := s.Begin()
	tx.Reviews.Create(domain.Review{ProjectID: "p2", UserID: "user9", Rating: 4, Comment: "bien"})
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"reviews"}, s.Pending())
	s.View(func(c *Collections) { assert.Equal(t, 2, c.Reviews.Len()) })

	tx = s.Begin()
	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, s.Pending())
	backend.AssertNumberOfCalls(t, "Save", 2)
}

func TestEncodeFailureIsLoggedAndKeptPending(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	mem := kv.NewMemory()
	s, err := Open(ctx, mem, Options{Seed: true, Log: zap.New(core)})
	require.NoError(t, err)

	tx := s.Begin()
	tx.Quotes.Create(domain.Quote{AnnouncementID: "2", CraftsmanID: "cadre1", Amount: math.Inf(1)})
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"quotes"}, s.Pending())
	require.Equal(t, 1, logs.FilterMessage("encode failed, keeping in-memory state").Len())
	_, err = mem.Load(ctx, "app_quotes")
	assert.ErrorIs(t, err, kv.ErrAbsent)
	assert.Error(t, s.Flush(ctx))
}

func TestDefaultIDsAreUnique(t *testing.T) {
	s, err := Open(context.Background(), kv.NewMemory(), Options{})
	require.NoError(t, err)
	tx := s.Begin()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		m := tx.Messages.Create(domain.Message{Content: "x"})
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	require.NoError(t, tx.Commit(context.Background()))
}

func TestKeysUsePrefix(t *testing.T) {
	s, err := Open(context.Background(), kv.NewMemory(), Options{KeyPrefix: "test_"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"test_announcements", "test_quotes", "test_messages",
		"test_projects", "test_reviews", "test_notifications",
	}, s.Keys())
}
