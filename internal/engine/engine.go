package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"compagnons/internal/config"
	"compagnons/internal/domain"
	"compagnons/internal/engine/auth"
	"compagnons/internal/notify"
	"compagnons/internal/seed"
	"compagnons/internal/store"
)

// Engine runs the renovation request workflow over a store.
type Engine struct {
	Store    *store.Store
	Identity auth.Provider
	Notifier notify.Dispatcher
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
	// Users resolves display names; defaults to the seed directory.
	Users func(id string) (domain.User, bool)
}

func New(s *store.Store, identity auth.Provider, cfg *config.Config, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Store:    s,
		Identity: identity,
		Notifier: notify.Dispatcher{Store: s, Log: log},
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
		Users:    seed.FindUser,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) displayName(id string) string {
	if e.Users != nil {
		if u, ok := e.Users(id); ok {
			if name := u.DisplayName(); name != "" {
				return name
			}
		}
	}
	return id
}

// CreateAnnouncementOptions are parameters for posting a renovation request.
type CreateAnnouncementOptions struct {
	Title          string `json:"title" validate:"notblank"`
	Description    string `json:"description" validate:"notblank"`
	City           string `json:"city" validate:"notblank"`
	RenovationType string `json:"renovationType" validate:"notblank"`
	ImageURL       string `json:"imageUrl" validate:"omitempty,url"`
}

func (e Engine) CreateAnnouncement(ctx context.Context, opts CreateAnnouncementOptions) (domain.Announcement, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Announcement{}, err
	}
	if err := auth.RequireRole(actor, domain.RoleParticulier); err != nil {
		return domain.Announcement{}, err
	}
	if err := validateInput(opts); err != nil {
		return domain.Announcement{}, err
	}
	if opts.ImageURL == "" {
		opts.ImageURL = e.config().Workflow.DefaultImageURL
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	a := tx.Announcements.Create(domain.Announcement{
		OwnerID:        actor.ID,
		Title:          strings.TrimSpace(opts.Title),
		Description:    strings.TrimSpace(opts.Description),
		City:           strings.TrimSpace(opts.City),
		RenovationType: strings.TrimSpace(opts.RenovationType),
		Status:         domain.StatusPending,
		ImageURL:       opts.ImageURL,
	})
	if err := tx.Commit(ctx); err != nil {
		return domain.Announcement{}, err
	}
	e.log().Info("announcement created", zap.String("announcement_id", a.ID), zap.String("actor_id", actor.ID))
	return a, nil
}

// SubmitQuoteOptions are parameters for a craftsman's quote.
type SubmitQuoteOptions struct {
	AnnouncementID    string  `json:"announcementId" validate:"required"`
	CraftsmanID       string  `json:"cadreId"`
	CraftsmanName     string  `json:"cadreName"`
	Amount            float64 `json:"amount" validate:"finite,gt=0"`
	Description       string  `json:"description" validate:"notblank"`
	EstimatedDuration string  `json:"estimatedDuration" validate:"notblank"`
}

// SubmitQuote records a pending quote and tells the announcement owner.
func (e Engine) SubmitQuote(ctx context.Context, opts SubmitQuoteOptions) (domain.Quote, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := auth.RequireRole(actor, domain.RoleCadre); err != nil {
		return domain.Quote{}, err
	}
	if opts.CraftsmanID == "" {
		opts.CraftsmanID = actor.ID
	}
	if opts.CraftsmanID != actor.ID {
		return domain.Quote{}, auth.UnauthorizedError{ActorID: actor.ID, Reason: "cannot quote for another craftsman"}
	}
	if err := validateInput(opts); err != nil {
		return domain.Quote{}, err
	}
	if opts.CraftsmanName == "" {
		opts.CraftsmanName = e.displayName(actor.ID)
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	a, err := tx.Announcements.Get(opts.AnnouncementID)
	if err != nil {
		return domain.Quote{}, err
	}
	q := tx.Quotes.Create(domain.Quote{
		AnnouncementID:    a.ID,
		CraftsmanID:       opts.CraftsmanID,
		CraftsmanName:     opts.CraftsmanName,
		Amount:            opts.Amount,
		Description:       strings.TrimSpace(opts.Description),
		EstimatedDuration: strings.TrimSpace(opts.EstimatedDuration),
		Decision:          domain.DecisionPending,
	})
	if _, err := rederive(tx, a.ID); err != nil {
		return domain.Quote{}, err
	}
	e.Notifier.Notify(tx, notify.QuoteReceived(a.OwnerID, q.CraftsmanName, a))
	if err := tx.Commit(ctx); err != nil {
		return domain.Quote{}, err
	}
	e.log().Info("quote submitted",
		zap.String("quote_id", q.ID),
		zap.String("announcement_id", a.ID),
		zap.String("actor_id", actor.ID))
	return q, nil
}

// AcceptQuote accepts one quote and starts the project. The first accepted
// quote of an announcement wins; later accepts fail with ErrConflict.
func (e Engine) AcceptQuote(ctx context.Context, quoteID, announcementID string) (domain.Project, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Project{}, err
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	a, err := tx.Announcements.Get(announcementID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := requireOwner(actor, a); err != nil {
		return domain.Project{}, err
	}
	q, err := tx.Quotes.Get(quoteID)
	if err != nil {
		return domain.Project{}, err
	}
	if q.AnnouncementID != a.ID {
		return domain.Project{}, fmt.Errorf("quote %s on announcement %s: %w", quoteID, announcementID, ErrNotFound)
	}
	if err := ensureQuoteDecision(q.Decision, domain.DecisionAccepted); err != nil {
		return domain.Project{}, err
	}
	if other, ok := tx.Quotes.First(func(o domain.Quote) bool {
		return o.AnnouncementID == a.ID && o.Decision == domain.DecisionAccepted
	}); ok {
		return domain.Project{}, conflictf("quote %s already accepted for announcement %s", other.ID, a.ID)
	}
	if p, ok := projectFor(tx.Collections, a.ID); ok {
		return domain.Project{}, conflictf("project %s already exists for announcement %s", p.ID, a.ID)
	}

	if _, err := tx.Quotes.Update(q.ID, func(q *domain.Quote) { q.Decision = domain.DecisionAccepted }); err != nil {
		return domain.Project{}, err
	}
	p := tx.Projects.Create(domain.Project{
		AnnouncementID: a.ID,
		CraftsmanID:    q.CraftsmanID,
		Title:          a.Title,
		Description:    a.Description,
		City:           a.City,
		RenovationType: a.RenovationType,
		Images: domain.ProjectImages{
			Before: []string{a.ImageURL},
			During: []string{},
			After:  []string{},
		},
		StartDate: e.now(),
		Status:    domain.ProjectInProgress,
	})
	if _, err := rederive(tx, a.ID); err != nil {
		return domain.Project{}, err
	}
	e.Notifier.Notify(tx, notify.QuoteAccepted(q.CraftsmanID, a.ID))
	if err := tx.Commit(ctx); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("quote accepted",
		zap.String("quote_id", q.ID),
		zap.String("announcement_id", a.ID),
		zap.String("project_id", p.ID),
		zap.String("actor_id", actor.ID))
	return p, nil
}

// RefuseQuote marks a pending quote refused. Refusing twice is a no-op; the
// announcement status never changes.
func (e Engine) RefuseQuote(ctx context.Context, quoteID string) (domain.Quote, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Quote{}, err
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	q, err := tx.Quotes.Get(quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	a, err := tx.Announcements.Get(q.AnnouncementID)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := requireOwner(actor, a); err != nil {
		return domain.Quote{}, err
	}
	if q.Decision == domain.DecisionRefused {
		return q, nil
	}
	if err := ensureQuoteDecision(q.Decision, domain.DecisionRefused); err != nil {
		return domain.Quote{}, err
	}
	q, err = tx.Quotes.Update(q.ID, func(q *domain.Quote) { q.Decision = domain.DecisionRefused })
	if err != nil {
		return domain.Quote{}, err
	}
	if e.config().Workflow.NotifyOnRefusal {
		e.Notifier.Notify(tx, notify.QuoteRefused(q.CraftsmanID, a))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Quote{}, err
	}
	e.log().Info("quote refused",
		zap.String("quote_id", q.ID),
		zap.String("announcement_id", a.ID),
		zap.String("actor_id", actor.ID))
	return q, nil
}

// FinalizeProject completes an in-progress project.
func (e Engine) FinalizeProject(ctx context.Context, projectID string) (domain.Project, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Project{}, err
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	p, err := tx.Projects.Get(projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.CraftsmanID != actor.ID {
		return domain.Project{}, auth.UnauthorizedError{ActorID: actor.ID, Reason: "is not the project craftsman"}
	}
	if err := ensureProjectTransition(p.Status, domain.ProjectCompleted); err != nil {
		return domain.Project{}, err
	}
	a, err := tx.Announcements.Get(p.AnnouncementID)
	if err != nil {
		return domain.Project{}, err
	}
	end := e.now()
	p, err = tx.Projects.Update(p.ID, func(p *domain.Project) {
		p.Status = domain.ProjectCompleted
		p.EndDate = &end
	})
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := rederive(tx, a.ID); err != nil {
		return domain.Project{}, err
	}
	e.Notifier.Notify(tx, notify.ProjectCompleted(a.OwnerID, p))
	if err := tx.Commit(ctx); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project finalized",
		zap.String("project_id", p.ID),
		zap.String("announcement_id", a.ID),
		zap.String("actor_id", actor.ID))
	return p, nil
}

// AddReviewOptions are parameters for reviewing a completed project.
type AddReviewOptions struct {
	ProjectID string `json:"projectId" validate:"required"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment" validate:"notblank"`
	UserName  string `json:"userName"`
}

// AddReview lets the announcement owner review a completed project once.
func (e Engine) AddReview(ctx context.Context, opts AddReviewOptions) (domain.Review, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Review{}, err
	}
	if err := validateInput(opts); err != nil {
		return domain.Review{}, err
	}
	if opts.UserName == "" {
		opts.UserName = e.displayName(actor.ID)
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	p, err := tx.Projects.Get(opts.ProjectID)
	if err != nil {
		return domain.Review{}, err
	}
	a, err := tx.Announcements.Get(p.AnnouncementID)
	if err != nil {
		return domain.Review{}, err
	}
	if err := requireOwner(actor, a); err != nil {
		return domain.Review{}, err
	}
	if p.Status != domain.ProjectCompleted {
		return domain.Review{}, invalidStatef("project %s is %s, reviews need %s", p.ID, p.Status, domain.ProjectCompleted)
	}
	if prior, ok := tx.Reviews.First(func(r domain.Review) bool {
		return r.ProjectID == p.ID && r.UserID == actor.ID
	}); ok {
		return domain.Review{}, conflictf("review %s already posted by %s for project %s", prior.ID, actor.ID, p.ID)
	}
	r := tx.Reviews.Create(domain.Review{
		ProjectID: p.ID,
		UserID:    actor.ID,
		UserName:  opts.UserName,
		Rating:    opts.Rating,
		Comment:   strings.TrimSpace(opts.Comment),
	})
	if err := tx.Commit(ctx); err != nil {
		return domain.Review{}, err
	}
	e.log().Info("review added",
		zap.String("review_id", r.ID),
		zap.String("project_id", p.ID),
		zap.String("actor_id", actor.ID))
	return r, nil
}

type messageInput struct {
	AnnouncementID string `json:"announcementId" validate:"required"`
	Content        string `json:"content" validate:"notblank"`
}

// SendMessage appends to an announcement thread. The owner and craftsmen may
// write; the other side of the thread is notified.
func (e Engine) SendMessage(ctx context.Context, announcementID, content string) (domain.Message, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Message{}, err
	}
	if err := validateInput(messageInput{AnnouncementID: announcementID, Content: content}); err != nil {
		return domain.Message{}, err
	}
	return e.postMessage(ctx, actor, announcementID, strings.TrimSpace(content))
}

// DeclineRequest lets a craftsman decline to quote, explaining why in the
// thread. The announcement status is untouched.
func (e Engine) DeclineRequest(ctx context.Context, announcementID, reason string) (domain.Message, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Message{}, err
	}
	if err := auth.RequireRole(actor, domain.RoleCadre); err != nil {
		return domain.Message{}, err
	}
	if err := validateInput(struct {
		AnnouncementID string `json:"announcementId" validate:"required"`
		Reason         string `json:"reason" validate:"notblank"`
	}{announcementID, reason}); err != nil {
		return domain.Message{}, err
	}
	return e.postMessage(ctx, actor, announcementID, "Demande refusée : "+strings.TrimSpace(reason))
}

func (e Engine) postMessage(ctx context.Context, actor domain.Actor, announcementID, content string) (domain.Message, error) {
	tx := e.Store.Begin()
	defer tx.Rollback()

	a, err := tx.Announcements.Get(announcementID)
	if err != nil {
		return domain.Message{}, err
	}
	if actor.ID != a.OwnerID && actor.Role != domain.RoleCadre {
		return domain.Message{}, auth.UnauthorizedError{ActorID: actor.ID, Reason: "is not part of this announcement"}
	}
	sender := e.displayName(actor.ID)
	recipients := threadRecipients(tx.Collections, a, actor.ID)
	m := tx.Messages.Create(domain.Message{
		AnnouncementID: a.ID,
		SenderID:       actor.ID,
		SenderName:     sender,
		Content:        content,
	})
	for _, uid := range recipients {
		e.Notifier.Notify(tx, notify.MessageReceived(uid, sender, a.ID))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Message{}, err
	}
	e.log().Info("message sent",
		zap.String("message_id", m.ID),
		zap.String("announcement_id", a.ID),
		zap.String("actor_id", actor.ID))
	return m, nil
}

// threadRecipients lists who hears about a new message: the owner when a
// craftsman writes, otherwise the accepted craftsman or, before acceptance,
// every craftsman active on the announcement.
func threadRecipients(c *store.Collections, a domain.Announcement, senderID string) []string {
	if senderID != a.OwnerID {
		return []string{a.OwnerID}
	}
	if q, ok := c.Quotes.First(func(q domain.Quote) bool {
		return q.AnnouncementID == a.ID && q.Decision == domain.DecisionAccepted
	}); ok {
		return []string{q.CraftsmanID}
	}
	seen := map[string]bool{a.OwnerID: true}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, q := range c.Quotes.Find(func(q domain.Quote) bool { return q.AnnouncementID == a.ID }) {
		add(q.CraftsmanID)
	}
	for _, m := range c.Messages.Find(func(m domain.Message) bool { return m.AnnouncementID == a.ID }) {
		add(m.SenderID)
	}
	return out
}

type imageInput struct {
	ProjectID string `json:"projectId" validate:"required"`
	URL       string `json:"url" validate:"required,url"`
}

// AddProjectImage appends a photo to one phase of an in-progress project.
func (e Engine) AddProjectImage(ctx context.Context, projectID string, phase domain.ImagePhase, url string) (domain.Project, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Project{}, err
	}
	if err := validateInput(imageInput{ProjectID: projectID, URL: url}); err != nil {
		return domain.Project{}, err
	}
	return e.editImages(ctx, actor, projectID, phase, func(images []string) ([]string, error) {
		return append(append([]string{}, images...), url), nil
	})
}

// RemoveProjectImage drops the photo at index from one phase.
func (e Engine) RemoveProjectImage(ctx context.Context, projectID string, phase domain.ImagePhase, index int) (domain.Project, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return domain.Project{}, err
	}
	return e.editImages(ctx, actor, projectID, phase, func(images []string) ([]string, error) {
		switch {
		case len(images) == 0:
			return nil, ValidationError{Field: "index", Reason: fmt.Sprintf("phase %s has no images", phase)}
		case index < 0 || index >= len(images):
			return nil, ValidationError{Field: "index", Reason: fmt.Sprintf("must be between 0 and %d", len(images)-1)}
		}
		out := make([]string, 0, len(images)-1)
		out = append(out, images[:index]...)
		return append(out, images[index+1:]...), nil
	})
}

func (e Engine) editImages(ctx context.Context, actor domain.Actor, projectID string, phase domain.ImagePhase, edit func([]string) ([]string, error)) (domain.Project, error) {
	if _, err := domain.ParseImagePhase(string(phase)); err != nil {
		return domain.Project{}, ValidationError{Field: "phase", Reason: err.Error()}
	}
	tx := e.Store.Begin()
	defer tx.Rollback()

	p, err := tx.Projects.Get(projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.CraftsmanID != actor.ID {
		return domain.Project{}, auth.UnauthorizedError{ActorID: actor.ID, Reason: "is not the project craftsman"}
	}
	if p.Status != domain.ProjectInProgress {
		return domain.Project{}, invalidStatef("project %s is %s, images can only change while %s", p.ID, p.Status, domain.ProjectInProgress)
	}
	next, err := edit(*p.Images.Slot(phase))
	if err != nil {
		return domain.Project{}, err
	}
	p, err = tx.Projects.Update(p.ID, func(p *domain.Project) {
		*p.Images.Slot(phase) = next
	})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project images updated",
		zap.String("project_id", p.ID),
		zap.String("phase", string(phase)),
		zap.Int("count", len(next)),
		zap.String("actor_id", actor.ID))
	return p, nil
}

// MarkNotificationRead marks one of the actor's notifications read. Unknown
// ids and other users' notifications are ignored.
func (e Engine) MarkNotificationRead(ctx context.Context, id string) error {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return err
	}
	return e.Notifier.MarkRead(ctx, actor.ID, id)
}

// MarkAllNotificationsRead marks every unread notification of the actor read.
func (e Engine) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	actor, err := auth.Require(ctx, e.Identity)
	if err != nil {
		return 0, err
	}
	return e.Notifier.MarkAllRead(ctx, actor.ID)
}

func requireOwner(actor domain.Actor, a domain.Announcement) error {
	if a.OwnerID != actor.ID {
		return auth.UnauthorizedError{ActorID: actor.ID, Reason: fmt.Sprintf("does not own announcement %s", a.ID)}
	}
	return nil
}

func ensureQuoteDecision(current, next domain.Decision) error {
	if current == domain.DecisionPending && next != domain.DecisionPending {
		return nil
	}
	return invalidStatef("quote already %s, cannot mark %s", current, next)
}

func ensureProjectTransition(oldStatus, newStatus domain.ProjectStatus) error {
	if oldStatus == domain.ProjectInProgress && newStatus == domain.ProjectCompleted {
		return nil
	}
	return invalidStatef("invalid project status transition %s -> %s", oldStatus, newStatus)
}

func projectFor(c *store.Collections, announcementID string) (domain.Project, bool) {
	return c.Projects.First(func(p domain.Project) bool { return p.AnnouncementID == announcementID })
}

// rederive recomputes an announcement's status from its quotes and project.
func rederive(tx *store.Tx, announcementID string) (domain.AnnouncementStatus, error) {
	quotes := tx.Quotes.Find(func(q domain.Quote) bool { return q.AnnouncementID == announcementID })
	var project *domain.Project
	if p, ok := projectFor(tx.Collections, announcementID); ok {
		project = &p
	}
	status := domain.DeriveStatus(quotes, project)
	a, err := tx.Announcements.Get(announcementID)
	if err != nil {
		return "", err
	}
	if a.Status == status {
		return status, nil
	}
	if _, err := tx.Announcements.Update(announcementID, func(a *domain.Announcement) { a.Status = status }); err != nil {
		return "", err
	}
	return status, nil
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
