package domain

import "time"

type Role string

const (
	RoleParticulier Role = "particulier"
	RoleCadre       Role = "cadre"
)

// Actor is the authenticated user an operation runs on behalf of.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type User struct {
	ID        string `json:"id" yaml:"id"`
	FirstName string `json:"firstName" yaml:"first_name"`
	LastName  string `json:"lastName" yaml:"last_name"`
	City      string `json:"city" yaml:"city"`
	Role      Role   `json:"role" yaml:"role"`
}

func (u User) DisplayName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

type Announcement struct {
	ID             string             `json:"id" yaml:"id"`
	OwnerID        string             `json:"userId" yaml:"owner_id"`
	Title          string             `json:"title" yaml:"title"`
	Description    string             `json:"description" yaml:"description"`
	City           string             `json:"city" yaml:"city"`
	RenovationType string             `json:"renovationType" yaml:"renovation_type"`
	Status         AnnouncementStatus `json:"status" yaml:"status"`
	ImageURL       string             `json:"imageUrl" yaml:"image_url"`
	CreatedAt      time.Time          `json:"createdAt" yaml:"created_at"`
}

func (a Announcement) RecordID() string { return a.ID }

type Quote struct {
	ID                string    `json:"id" yaml:"id"`
	AnnouncementID    string    `json:"announcementId" yaml:"announcement_id"`
	CraftsmanID       string    `json:"cadreId" yaml:"craftsman_id"`
	CraftsmanName     string    `json:"cadreName" yaml:"craftsman_name"`
	Amount            float64   `json:"amount" yaml:"amount"`
	Description       string    `json:"description" yaml:"description"`
	EstimatedDuration string    `json:"estimatedDuration" yaml:"estimated_duration"`
	CreatedAt         time.Time `json:"createdAt" yaml:"created_at"`
	Decision          Decision  `json:"accepted,omitempty" yaml:"accepted"`
}

func (q Quote) RecordID() string { return q.ID }

type Message struct {
	ID             string    `json:"id" yaml:"id"`
	AnnouncementID string    `json:"announcementId" yaml:"announcement_id"`
	SenderID       string    `json:"senderId" yaml:"sender_id"`
	SenderName     string    `json:"senderName" yaml:"sender_name"`
	Content        string    `json:"content" yaml:"content"`
	CreatedAt      time.Time `json:"createdAt" yaml:"created_at"`
}

func (m Message) RecordID() string { return m.ID }

type ProjectImages struct {
	Before []string `json:"before" yaml:"before"`
	During []string `json:"during" yaml:"during"`
	After  []string `json:"after" yaml:"after"`
}

type Project struct {
	ID             string        `json:"id" yaml:"id"`
	AnnouncementID string        `json:"announcementId" yaml:"announcement_id"`
	CraftsmanID    string        `json:"cadreId" yaml:"craftsman_id"`
	Title          string        `json:"title" yaml:"title"`
	Description    string        `json:"description" yaml:"description"`
	City           string        `json:"city" yaml:"city"`
	RenovationType string        `json:"renovationType" yaml:"renovation_type"`
	Images         ProjectImages `json:"images" yaml:"images"`
	StartDate      time.Time     `json:"startDate" yaml:"start_date"`
	EndDate        *time.Time    `json:"endDate,omitempty" yaml:"end_date"`
	Status         ProjectStatus `json:"status" yaml:"status"`
}

func (p Project) RecordID() string { return p.ID }

type Review struct {
	ID        string    `json:"id" yaml:"id"`
	ProjectID string    `json:"projectId" yaml:"project_id"`
	UserID    string    `json:"userId" yaml:"user_id"`
	UserName  string    `json:"userName" yaml:"user_name"`
	Rating    int       `json:"rating" yaml:"rating"`
	Comment   string    `json:"comment" yaml:"comment"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

func (r Review) RecordID() string { return r.ID }

type NotificationType string

const (
	NotificationQuote      NotificationType = "quote"
	NotificationMessage    NotificationType = "message"
	NotificationAcceptance NotificationType = "acceptance"
	NotificationProject    NotificationType = "project"
)

type Notification struct {
	ID        string           `json:"id" yaml:"id"`
	UserID    string           `json:"userId" yaml:"user_id"`
	Type      NotificationType `json:"type" yaml:"type"`
	Title     string           `json:"title" yaml:"title"`
	Message   string           `json:"message" yaml:"message"`
	Read      bool             `json:"read" yaml:"read"`
	CreatedAt time.Time        `json:"createdAt" yaml:"created_at"`
	RelatedID string           `json:"relatedId,omitempty" yaml:"related_id"`
}

func (n Notification) RecordID() string { return n.ID }
