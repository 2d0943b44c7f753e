package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"compagnons/internal/config"
	"compagnons/internal/db"
	"compagnons/internal/domain"
	"compagnons/internal/engine"
	"compagnons/internal/engine/auth"
	"compagnons/internal/kv"
	"compagnons/internal/migrate"
	"compagnons/internal/store"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Store  *store.Store
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return testNow }
	s, err := store.Open(context.Background(), kv.SQL{DB: conn, Driver: db.DriverSQLite, Now: now}, store.Options{Seed: true, Now: now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	eng := engine.New(s, auth.FromContext{}, cfg, zap.NewNop())
	eng.Now = now
	return testEnv{Engine: eng, Store: s}
}

func as(id string, role domain.Role) context.Context {
	return auth.WithActor(context.Background(), domain.Actor{ID: id, Role: role})
}

func owner(id string) context.Context { return as(id, domain.RoleParticulier) }
func cadre(id string) context.Context { return as(id, domain.RoleCadre) }

func countType(ns []domain.Notification, typ domain.NotificationType) int {
	n := 0
	for _, x := range ns {
		if x.Type == typ {
			n++
		}
	}
	return n
}

func TestRenovationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	// quote on a pending announcement
	q, err := eng.SubmitQuote(cadre("cadre1"), engine.SubmitQuoteOptions{
		AnnouncementID:    "2",
		Amount:            2500,
		Description:       "Restauration du buffet",
		EstimatedDuration: "2 semaines",
	})
	require.NoError(t, err)
	assert.Equal(t, "Jean Dupont", q.CraftsmanName)
	assert.Equal(t, domain.DecisionPending, q.Decision)
	a, err := eng.GetAnnouncement("2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuoteSent, a.Status)
	ns := eng.Notifications("user2", false)
	require.Len(t, ns, 1)
	assert.Equal(t, domain.NotificationQuote, ns[0].Type)
	assert.Equal(t, "2", ns[0].RelatedID)

	// owner accepts
	p, err := eng.AcceptQuote(owner("user2"), q.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAccepted, eng.QuotesFor("2")[0].Decision)
	a, _ = eng.GetAnnouncement("2")
	assert.Equal(t, domain.StatusInProgress, a.Status)
	assert.Equal(t, []string{a.ImageURL}, p.Images.Before)
	assert.Equal(t, "cadre1", p.CraftsmanID)
	assert.Equal(t, testNow, p.StartDate)
	assert.Len(t, eng.ListProjects(engine.ProjectFilter{OwnerID: "user2"}), 1)
	assert.Equal(t, 1, countType(eng.Notifications("cadre1", false), domain.NotificationAcceptance))

	// a later quote cannot be accepted, and does not regress the status
	q2, err := eng.SubmitQuote(cadre("cadre2"), engine.SubmitQuoteOptions{
		AnnouncementID: "2", Amount: 1800, Description: "Alternative", EstimatedDuration: "10 jours",
	})
	require.NoError(t, err)
	_, err = eng.AcceptQuote(owner("user2"), q2.ID, "2")
	require.ErrorIs(t, err, engine.ErrConflict)
	a, _ = eng.GetAnnouncement("2")
	assert.Equal(t, domain.StatusInProgress, a.Status)

	_, err = eng.AcceptQuote(owner("user2"), q.ID, "2")
	require.ErrorIs(t, err, engine.ErrInvalidState)
	assert.Len(t, eng.ListProjects(engine.ProjectFilter{OwnerID: "user2"}), 1)

	// craftsman finalizes
	p, err = eng.FinalizeProject(cadre("cadre1"), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCompleted, p.Status)
	require.NotNil(t, p.EndDate)
	assert.Equal(t, testNow, *p.EndDate)
	a, _ = eng.GetAnnouncement("2")
	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, 1, countType(eng.Notifications("user2", false), domain.NotificationProject))
	_, err = eng.FinalizeProject(cadre("cadre1"), p.ID)
	require.ErrorIs(t, err, engine.ErrInvalidState)

	// owner reviews once
	r, err := eng.AddReview(owner("user2"), engine.AddReviewOptions{ProjectID: p.ID, Rating: 5, Comment: "Parfait"})
	require.NoError(t, err)
	assert.Equal(t, "Pierre Martin", r.UserName)
	_, err = eng.AddReview(owner("user2"), engine.AddReviewOptions{ProjectID: p.ID, Rating: 4, Comment: "Encore"})
	require.ErrorIs(t, err, engine.ErrConflict)
	avg, n := eng.AverageRating(p.ID)
	assert.Equal(t, 5.0, avg)
	assert.Equal(t, 1, n)

	assert.Empty(t, eng.CheckInvariants(context.Background()))
}

func TestConcurrentAcceptFirstWins(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	var ids []string
	for i := 0; i < 8; i++ {
		q, err := eng.SubmitQuote(cadre(fmt.Sprintf("cadre-%d", i)), engine.SubmitQuoteOptions{
			AnnouncementID: "5", Amount: float64(1000 + i), Description: "Charpente", EstimatedDuration: "1 mois",
		})
		require.NoError(t, err)
		ids = append(ids, q.ID)
	}

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := eng.AcceptQuote(owner("user1"), id, "5")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, engine.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, len(ids)-1, conflicts.Load())
	var accepted int
	for _, q := range eng.QuotesFor("5") {
		if q.Decision == domain.DecisionAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, eng.ListProjects(engine.ProjectFilter{OwnerID: "user1"}), 1)
	assert.Empty(t, eng.CheckInvariants(context.Background()))
}

func TestUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	valid := engine.SubmitQuoteOptions{AnnouncementID: "2", Amount: 100, Description: "x", EstimatedDuration: "1 jour"}

	_, err := eng.SubmitQuote(context.Background(), valid)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.SubmitQuote(owner("user1"), valid)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	forged := valid
	forged.CraftsmanID = "cadre2"
	_, err = eng.SubmitQuote(cadre("cadre1"), forged)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.AcceptQuote(owner("user2"), "q1", "1")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.RefuseQuote(cadre("cadre1"), "q1")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.FinalizeProject(cadre("cadre1"), "p1")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.AddReview(owner("user1"), engine.AddReviewOptions{ProjectID: "p2", Rating: 3, Comment: "ok"})
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.CreateAnnouncement(cadre("cadre1"), engine.CreateAnnouncementOptions{
		Title: "t", Description: "d", City: "c", RenovationType: "r",
	})
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.MarkAllNotificationsRead(context.Background())
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	// nothing changed
	assert.Empty(t, eng.CheckInvariants(context.Background()))
	assert.Len(t, eng.QuotesFor("2"), 0)
}

func TestValidation(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	_, err := eng.SubmitQuote(cadre("cadre1"), engine.SubmitQuoteOptions{
		AnnouncementID: "2", Amount: 0, Description: "x", EstimatedDuration: "1 jour",
	})
	require.ErrorIs(t, err, engine.ErrValidation)
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)

	before := len(eng.QuotesFor("2"))
	for _, amount := range []float64{math.Inf(1), math.NaN()} {
		_, err = eng.SubmitQuote(cadre("cadre1"), engine.SubmitQuoteOptions{
			AnnouncementID: "2", Amount: amount, Description: "x", EstimatedDuration: "1 jour",
		})
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "amount", ve.Field)
		assert.Equal(t, "must be a finite number", ve.Reason)
	}
	assert.Len(t, eng.QuotesFor("2"), before)
	assert.Empty(t, env.Store.Pending())

	_, err = eng.SubmitQuote(cadre("cadre1"), engine.SubmitQuoteOptions{
		AnnouncementID: "2", Amount: 10, Description: "   ", EstimatedDuration: "1 jour",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "description", ve.Field)

	_, err = eng.AddReview(owner("user4"), engine.AddReviewOptions{ProjectID: "p2", Rating: 6, Comment: "trop"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rating", ve.Field)

	_, err = eng.AddReview(owner("user4"), engine.AddReviewOptions{ProjectID: "p2", Rating: 0, Comment: "rien"})
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = eng.AddReview(owner("user4"), engine.AddReviewOptions{ProjectID: "p2", Rating: 4})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "comment", ve.Field)

	_, err = eng.CreateAnnouncement(owner("user1"), engine.CreateAnnouncementOptions{
		Title: "", Description: "d", City: "Lyon", RenovationType: "Escalier",
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	_, err := eng.SubmitQuote(cadre("cadre1"), engine.SubmitQuoteOptions{
		AnnouncementID: "missing", Amount: 10, Description: "x", EstimatedDuration: "1 jour",
	})
	require.ErrorIs(t, err, engine.ErrNotFound)

	// q4 belongs to announcement 6, not 2
	_, err = eng.AcceptQuote(owner("user2"), "q4", "2")
	require.ErrorIs(t, err, engine.ErrNotFound)

	_, err = eng.FinalizeProject(cadre("cadre1"), "nope")
	require.ErrorIs(t, err, engine.ErrNotFound)
	assert.True(t, engine.IsNotFound(err))

	_, err = eng.GetProject("nope")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRefuseQuote(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	q, err := eng.RefuseQuote(owner("user1"), "q1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, q.Decision)
	a, _ := eng.GetAnnouncement("1")
	assert.Equal(t, domain.StatusQuoteSent, a.Status)
	assert.Empty(t, eng.Notifications("cadre1", false))

	q, err = eng.RefuseQuote(owner("user1"), "q1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, q.Decision)

	_, err = eng.AcceptQuote(owner("user1"), "q1", "1")
	require.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = eng.RefuseQuote(owner("user3"), "q2")
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestRefusalNotificationWhenEnabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Workflow.NotifyOnRefusal = true })
	eng := env.Engine

	_, err := eng.RefuseQuote(owner("user2"), "q4")
	require.NoError(t, err)
	ns := eng.Notifications("cadre2", false)
	require.Len(t, ns, 1)
	assert.Equal(t, domain.NotificationQuote, ns[0].Type)
	assert.Equal(t, "6", ns[0].RelatedID)
}

func TestReviewRules(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	_, err := eng.AddReview(owner("user3"), engine.AddReviewOptions{ProjectID: "p1", Rating: 4, Comment: "Bien avancé"})
	require.ErrorIs(t, err, engine.ErrInvalidState)

	_, err = eng.AddReview(owner("user4"), engine.AddReviewOptions{ProjectID: "p2", Rating: 5, Comment: "Encore bravo"})
	require.ErrorIs(t, err, engine.ErrConflict)

	avg, n := eng.AverageRating("p2")
	assert.Equal(t, 5.0, avg)
	assert.Equal(t, 1, n)
}

func TestMessagesAndDecline(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	m, err := eng.SendMessage(cadre("cadre2"), "2", "Je peux passer jeudi")
	require.NoError(t, err)
	assert.Equal(t, "Paul Lefebvre", m.SenderName)
	ns := eng.Notifications("user2", false)
	require.Len(t, ns, 1)
	assert.Equal(t, domain.NotificationMessage, ns[0].Type)

	_, err = eng.SendMessage(owner("user2"), "2", "Jeudi me convient")
	require.NoError(t, err)
	assert.Len(t, eng.Notifications("cadre2", false), 1)
	assert.Len(t, eng.MessagesFor("2"), 2)

	_, err = eng.SendMessage(owner("user3"), "2", "Bonjour")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.SendMessage(cadre("cadre2"), "2", " ")
	require.ErrorIs(t, err, engine.ErrValidation)

	d, err := eng.DeclineRequest(cadre("cadre3"), "5", "trop loin")
	require.NoError(t, err)
	assert.Equal(t, "Demande refusée : trop loin", d.Content)
	a, _ := eng.GetAnnouncement("5")
	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Equal(t, 1, countType(eng.Notifications("user1", false), domain.NotificationMessage))

	_, err = eng.DeclineRequest(owner("user1"), "5", "non")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestProjectImages(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	url := "https://images.example.com/toiture.jpg"

	p, err := eng.AddProjectImage(cadre("cadre3"), "p1", domain.PhaseDuring, url)
	require.NoError(t, err)
	require.Len(t, p.Images.During, 3)
	assert.Equal(t, url, p.Images.During[2])

	p, err = eng.RemoveProjectImage(cadre("cadre3"), "p1", domain.PhaseBefore, 0)
	require.NoError(t, err)
	assert.Len(t, p.Images.Before, 1)

	_, err = eng.RemoveProjectImage(cadre("cadre3"), "p1", domain.PhaseAfter, 0)
	require.ErrorIs(t, err, engine.ErrValidation)
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "phase after has no images", ve.Reason)

	_, err = eng.RemoveProjectImage(cadre("cadre3"), "p1", domain.PhaseDuring, 3)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "must be between 0 and 2", ve.Reason)

	_, err = eng.RemoveProjectImage(context.Background(), "p1", domain.PhaseDuring, 0)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.AddProjectImage(cadre("cadre3"), "p1", domain.ImagePhase("later"), url)
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = eng.AddProjectImage(cadre("cadre3"), "p1", domain.PhaseAfter, "not a url")
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = eng.AddProjectImage(cadre("cadre1"), "p1", domain.PhaseAfter, url)
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = eng.AddProjectImage(cadre("cadre1"), "p2", domain.PhaseAfter, url)
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestCreateAndListAnnouncements(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine

	a, err := eng.CreateAnnouncement(owner("user3"), engine.CreateAnnouncementOptions{
		Title: "Volets en bois", Description: "Six volets à décaper", City: "Bordeaux", RenovationType: "Menuiserie",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Equal(t, config.Default().Workflow.DefaultImageURL, a.ImageURL)
	assert.Equal(t, testNow, a.CreatedAt)

	open := eng.ListAnnouncements(engine.AnnouncementFilter{})
	require.Len(t, open, 6)
	assert.Equal(t, a.ID, open[0].ID)

	assert.Len(t, eng.ListAnnouncements(engine.AnnouncementFilter{IncludeClosed: true}), 7)
	assert.Len(t, eng.ListAnnouncements(engine.AnnouncementFilter{Status: domain.StatusCompleted}), 1)
	assert.Len(t, eng.ListAnnouncements(engine.AnnouncementFilter{City: "lyon"}), 2)
	assert.Len(t, eng.ListAnnouncements(engine.AnnouncementFilter{OwnerID: "user3"}), 2)

	found := eng.ListAnnouncements(engine.AnnouncementFilter{Search: "PARQUET", IncludeClosed: true})
	require.Len(t, found, 1)
	assert.Equal(t, "4", found[0].ID)
}

func TestMarkNotificationsRead(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	for _, c := range []string{"cadre1", "cadre2"} {
		_, err := eng.SendMessage(cadre(c), "5", "Disponible")
		require.NoError(t, err)
	}
	ns := eng.Notifications("user1", true)
	require.Len(t, ns, 2)

	require.NoError(t, eng.MarkNotificationRead(owner("user2"), ns[0].ID))
	assert.Len(t, eng.Notifications("user1", true), 2)

	require.NoError(t, eng.MarkNotificationRead(owner("user1"), ns[0].ID))
	require.NoError(t, eng.MarkNotificationRead(owner("user1"), "unknown"))
	assert.Len(t, eng.Notifications("user1", true), 1)

	n, err := eng.MarkAllNotificationsRead(owner("user1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, eng.Notifications("user1", true))
}

func TestCheckInvariantsReportsCorruption(t *testing.T) {
	env := newTestEnv(t)
	assert.Empty(t, env.Engine.CheckInvariants(context.Background()))

	tx := env.Store.Begin()
	_, err := tx.Announcements.Update("2", func(a *domain.Announcement) { a.Status = domain.StatusRefused })
	require.NoError(t, err)
	_, err = tx.Quotes.Update("q4", func(q *domain.Quote) { q.Decision = domain.DecisionAccepted })
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	rules := map[string]bool{}
	for _, v := range env.Engine.CheckInvariants(context.Background()) {
		rules[v.Rule] = true
	}
	assert.True(t, rules["derived_status"])
	assert.True(t, rules["acceptance_creates_project"])
}
