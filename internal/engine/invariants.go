package engine

import (
	"context"
	"fmt"

	"compagnons/internal/domain"
	"compagnons/internal/store"
)

// Violation is one broken consistency rule found by CheckInvariants.
type Violation struct {
	Rule     string `json:"rule"`
	EntityID string `json:"entityId"`
	Detail   string `json:"detail"`
}

// CheckInvariants scans the store for cross-entity inconsistencies.
func (e Engine) CheckInvariants(ctx context.Context) []Violation {
	var out []Violation
	e.Store.View(func(c *store.Collections) {
		out = checkCollections(c)
	})
	return out
}

func checkCollections(c *store.Collections) []Violation {
	var out []Violation
	add := func(rule, id, format string, args ...any) {
		out = append(out, Violation{Rule: rule, EntityID: id, Detail: fmt.Sprintf(format, args...)})
	}

	announcements := map[string]domain.Announcement{}
	for _, a := range c.Announcements.All() {
		announcements[a.ID] = a
	}
	projects := map[string]domain.Project{}
	projectByAnnouncement := map[string]domain.Project{}
	for _, p := range c.Projects.All() {
		projects[p.ID] = p
		if prev, ok := projectByAnnouncement[p.AnnouncementID]; ok {
			add("single_project", p.ID, "announcement %s already has project %s", p.AnnouncementID, prev.ID)
		}
		projectByAnnouncement[p.AnnouncementID] = p
		if _, ok := announcements[p.AnnouncementID]; !ok {
			add("project_announcement", p.ID, "announcement %s does not exist", p.AnnouncementID)
		}
		if (p.EndDate != nil) != (p.Status == domain.ProjectCompleted) {
			add("end_date", p.ID, "status %s with end date set=%t", p.Status, p.EndDate != nil)
		}
	}

	quotesByAnnouncement := map[string][]domain.Quote{}
	for _, q := range c.Quotes.All() {
		quotesByAnnouncement[q.AnnouncementID] = append(quotesByAnnouncement[q.AnnouncementID], q)
		if q.Amount <= 0 {
			add("quote_amount", q.ID, "amount %.2f is not positive", q.Amount)
		}
	}

	for _, a := range c.Announcements.All() {
		quotes := quotesByAnnouncement[a.ID]
		var project *domain.Project
		if p, ok := projectByAnnouncement[a.ID]; ok {
			project = &p
		}
		if want := domain.DeriveStatus(quotes, project); a.Status != want {
			add("derived_status", a.ID, "status %s, derived %s", a.Status, want)
		}
		var accepted []domain.Quote
		for _, q := range quotes {
			if q.Decision == domain.DecisionAccepted {
				accepted = append(accepted, q)
			}
		}
		if len(accepted) > 1 {
			add("single_accepted_quote", a.ID, "%d accepted quotes", len(accepted))
		}
		switch {
		case project != nil && len(accepted) == 0:
			add("project_needs_acceptance", project.ID, "no accepted quote on announcement %s", a.ID)
		case project == nil && len(accepted) > 0:
			add("acceptance_creates_project", accepted[0].ID, "no project for announcement %s", a.ID)
		case project != nil && accepted[0].CraftsmanID != project.CraftsmanID:
			add("project_craftsman", project.ID, "craftsman %s, accepted quote by %s", project.CraftsmanID, accepted[0].CraftsmanID)
		}
	}

	type pair struct{ project, user string }
	reviewed := map[pair]string{}
	for _, r := range c.Reviews.All() {
		k := pair{r.ProjectID, r.UserID}
		if prev, ok := reviewed[k]; ok {
			add("unique_review", r.ID, "duplicates review %s", prev)
		}
		reviewed[k] = r.ID
		if r.Rating < 1 || r.Rating > 5 {
			add("review_rating", r.ID, "rating %d out of range", r.Rating)
		}
		p, ok := projects[r.ProjectID]
		if !ok {
			add("review_project", r.ID, "project %s does not exist", r.ProjectID)
			continue
		}
		if p.Status != domain.ProjectCompleted {
			add("review_after_completion", r.ID, "project %s is %s", p.ID, p.Status)
		}
		if a, ok := announcements[p.AnnouncementID]; ok && a.OwnerID != r.UserID {
			add("review_author", r.ID, "author %s is not owner %s", r.UserID, a.OwnerID)
		}
	}

	for _, n := range c.Notifications.All() {
		if n.RelatedID == "" {
			continue
		}
		_, isAnnouncement := announcements[n.RelatedID]
		_, isProject := projects[n.RelatedID]
		if !isAnnouncement && !isProject {
			add("notification_related", n.ID, "related id %s does not resolve", n.RelatedID)
		}
	}
	return out
}
