package engine

import (
	"strings"

	"compagnons/internal/domain"
	"compagnons/internal/store"
)

// AnnouncementFilter narrows ListAnnouncements. Closed announcements are
// hidden unless IncludeClosed is set or Status asks for one explicitly.
type AnnouncementFilter struct {
	Search        string
	Status        domain.AnnouncementStatus
	City          string
	OwnerID       string
	IncludeClosed bool
}

func (f AnnouncementFilter) match(a domain.Announcement) bool {
	if f.Status != "" {
		if a.Status != f.Status {
			return false
		}
	} else if a.Status.Closed() && !f.IncludeClosed {
		return false
	}
	if f.City != "" && !strings.EqualFold(a.City, f.City) {
		return false
	}
	if f.OwnerID != "" && a.OwnerID != f.OwnerID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(a.Title + "\n" + a.Description + "\n" + a.RenovationType)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func (e Engine) ListAnnouncements(f AnnouncementFilter) []domain.Announcement {
	var out []domain.Announcement
	e.Store.View(func(c *store.Collections) {
		out = c.Announcements.Find(f.match)
	})
	return out
}

func (e Engine) GetAnnouncement(id string) (domain.Announcement, error) {
	var (
		a   domain.Announcement
		err error
	)
	e.Store.View(func(c *store.Collections) { a, err = c.Announcements.Get(id) })
	return a, err
}

// QuotesFor lists the quotes of an announcement in submission order.
func (e Engine) QuotesFor(announcementID string) []domain.Quote {
	var out []domain.Quote
	e.Store.View(func(c *store.Collections) {
		out = c.Quotes.Find(func(q domain.Quote) bool { return q.AnnouncementID == announcementID })
	})
	return out
}

func (e Engine) QuotesByCraftsman(craftsmanID string) []domain.Quote {
	var out []domain.Quote
	e.Store.View(func(c *store.Collections) {
		out = c.Quotes.Find(func(q domain.Quote) bool { return q.CraftsmanID == craftsmanID })
	})
	return out
}

func (e Engine) MessagesFor(announcementID string) []domain.Message {
	var out []domain.Message
	e.Store.View(func(c *store.Collections) {
		out = c.Messages.Find(func(m domain.Message) bool { return m.AnnouncementID == announcementID })
	})
	return out
}

type ProjectFilter struct {
	Status      domain.ProjectStatus
	CraftsmanID string
	// OwnerID selects projects whose announcement belongs to this user.
	OwnerID string
}

func (e Engine) ListProjects(f ProjectFilter) []domain.Project {
	var out []domain.Project
	e.Store.View(func(c *store.Collections) {
		out = c.Projects.Find(func(p domain.Project) bool {
			if f.Status != "" && p.Status != f.Status {
				return false
			}
			if f.CraftsmanID != "" && p.CraftsmanID != f.CraftsmanID {
				return false
			}
			if f.OwnerID != "" {
				a, err := c.Announcements.Get(p.AnnouncementID)
				if err != nil || a.OwnerID != f.OwnerID {
					return false
				}
			}
			return true
		})
	})
	return out
}

func (e Engine) GetProject(id string) (domain.Project, error) {
	var (
		p   domain.Project
		err error
	)
	e.Store.View(func(c *store.Collections) { p, err = c.Projects.Get(id) })
	return p, err
}

func (e Engine) ReviewsFor(projectID string) []domain.Review {
	var out []domain.Review
	e.Store.View(func(c *store.Collections) {
		out = c.Reviews.Find(func(r domain.Review) bool { return r.ProjectID == projectID })
	})
	return out
}

// AverageRating returns the mean rating of a project and the review count.
func (e Engine) AverageRating(projectID string) (float64, int) {
	reviews := e.ReviewsFor(projectID)
	if len(reviews) == 0 {
		return 0, 0
	}
	var sum int
	for _, r := range reviews {
		sum += r.Rating
	}
	return float64(sum) / float64(len(reviews)), len(reviews)
}

// Notifications lists a user's notifications, newest first.
func (e Engine) Notifications(userID string, unreadOnly bool) []domain.Notification {
	return e.Notifier.For(userID, unreadOnly)
}

func (e Engine) GetQuote(id string) (domain.Quote, error) {
	var (
		q   domain.Quote
		err error
	)
	e.Store.View(func(c *store.Collections) { q, err = c.Quotes.Get(id) })
	return q, err
}
