// Package notify appends user notifications and tracks their read state.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"compagnons/internal/domain"
	"compagnons/internal/store"
)

// Notice is a notification before it receives an id and timestamp.
type Notice struct {
	UserID    string
	Type      domain.NotificationType
	Title     string
	Message   string
	RelatedID string
}

type Dispatcher struct {
	Store *store.Store
	Log   *zap.Logger
}

func (d Dispatcher) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Notify records n inside the caller's transaction, newest first.
func (d Dispatcher) Notify(tx *store.Tx, n Notice) domain.Notification {
	created := tx.Notifications.Create(domain.Notification{
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		RelatedID: n.RelatedID,
	})
	d.log().Debug("notification queued",
		zap.String("notification_id", created.ID),
		zap.String("user_id", created.UserID),
		zap.String("type", string(created.Type)))
	return created
}

// MarkRead flags one of userID's notifications as read. Unknown, foreign or
// already read ids are accepted silently.
func (d Dispatcher) MarkRead(ctx context.Context, userID, id string) error {
	tx := d.Store.Begin()
	defer tx.Rollback()
	n, err := tx.Notifications.Get(id)
	if err != nil || n.Read || n.UserID != userID {
		return nil
	}
	if _, err := tx.Notifications.Update(id, func(n *domain.Notification) { n.Read = true }); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkAllRead flags every unread notification of a user and returns how many
// changed.
func (d Dispatcher) MarkAllRead(ctx context.Context, userID string) (int, error) {
	tx := d.Store.Begin()
	defer tx.Rollback()
	unread := tx.Notifications.Find(func(n domain.Notification) bool {
		return n.UserID == userID && !n.Read
	})
	for _, n := range unread {
		if _, err := tx.Notifications.Update(n.ID, func(n *domain.Notification) { n.Read = true }); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(unread), nil
}

// For lists a user's notifications, newest first.
func (d Dispatcher) For(userID string, unreadOnly bool) []domain.Notification {
	var out []domain.Notification
	d.Store.View(func(c *store.Collections) {
		out = c.Notifications.Find(func(n domain.Notification) bool {
			return n.UserID == userID && (!unreadOnly || !n.Read)
		})
	})
	return out
}

func QuoteReceived(ownerID, craftsmanName string, a domain.Announcement) Notice {
	return Notice{
		UserID:    ownerID,
		Type:      domain.NotificationQuote,
		Title:     "Nouveau devis reçu",
		Message:   fmt.Sprintf("Vous avez reçu un devis de %s pour %q", craftsmanName, a.Title),
		RelatedID: a.ID,
	}
}

func QuoteAccepted(craftsmanID, announcementID string) Notice {
	return Notice{
		UserID:    craftsmanID,
		Type:      domain.NotificationAcceptance,
		Title:     "Devis accepté",
		Message:   "Votre devis a été accepté, le projet peut commencer",
		RelatedID: announcementID,
	}
}

func QuoteRefused(craftsmanID string, a domain.Announcement) Notice {
	return Notice{
		UserID:    craftsmanID,
		Type:      domain.NotificationQuote,
		Title:     "Devis refusé",
		Message:   fmt.Sprintf("Votre devis pour %q n'a pas été retenu", a.Title),
		RelatedID: a.ID,
	}
}

func MessageReceived(recipientID, senderName, announcementID string) Notice {
	return Notice{
		UserID:    recipientID,
		Type:      domain.NotificationMessage,
		Title:     "Nouveau message",
		Message:   fmt.Sprintf("%s vous a envoyé un message", senderName),
		RelatedID: announcementID,
	}
}

func ProjectCompleted(ownerID string, p domain.Project) Notice {
	return Notice{
		UserID:    ownerID,
		Type:      domain.NotificationProject,
		Title:     "Projet terminé",
		Message:   fmt.Sprintf("Le projet %q est terminé, vous pouvez laisser un avis", p.Title),
		RelatedID: p.ID,
	}
}
