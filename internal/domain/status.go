package domain

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type AnnouncementStatus string

const (
	StatusPending    AnnouncementStatus = "en_attente"
	StatusQuoteSent  AnnouncementStatus = "devis_envoye"
	StatusAccepted   AnnouncementStatus = "accepte"
	StatusRefused    AnnouncementStatus = "refuse"
	StatusInProgress AnnouncementStatus = "en_cours"
	StatusCompleted  AnnouncementStatus = "termine"
)

// ParseAnnouncementStatus accepts every declared status, including the
// reserved accepte/refuse values that no workflow transition produces.
func ParseAnnouncementStatus(s string) (AnnouncementStatus, error) {
	switch st := AnnouncementStatus(s); st {
	case StatusPending, StatusQuoteSent, StatusAccepted, StatusRefused, StatusInProgress, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown announcement status %q", s)
}

// Closed reports whether the announcement no longer appears in the public listing.
func (s AnnouncementStatus) Closed() bool {
	return s == StatusCompleted || s == StatusRefused
}

type ProjectStatus string

const (
	ProjectInProgress ProjectStatus = "en_cours"
	ProjectCompleted  ProjectStatus = "termine"
)

// Decision is the owner's verdict on a quote.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionAccepted
	DecisionRefused
)

func (d Decision) String() string {
	switch d {
	case DecisionAccepted:
		return "accepted"
	case DecisionRefused:
		return "refused"
	default:
		return "pending"
	}
}

func decisionFromBool(b *bool) Decision {
	switch {
	case b == nil:
		return DecisionPending
	case *b:
		return DecisionAccepted
	default:
		return DecisionRefused
	}
}

// MarshalJSON keeps the optional boolean "accepted" representation:
// null while pending, true or false once decided.
func (d Decision) MarshalJSON() ([]byte, error) {
	switch d {
	case DecisionAccepted:
		return []byte("true"), nil
	case DecisionRefused:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("quote decision: %w", err)
	}
	*d = decisionFromBool(b)
	return nil
}

func (d *Decision) UnmarshalYAML(node *yaml.Node) error {
	var b *bool
	if err := node.Decode(&b); err != nil {
		return fmt.Errorf("quote decision: %w", err)
	}
	*d = decisionFromBool(b)
	return nil
}

// DeriveStatus computes an announcement status from its quotes and the
// project referencing it (nil when none exists).
func DeriveStatus(quotes []Quote, project *Project) AnnouncementStatus {
	if project != nil {
		if project.Status == ProjectCompleted {
			return StatusCompleted
		}
		return StatusInProgress
	}
	if len(quotes) > 0 {
		return StatusQuoteSent
	}
	return StatusPending
}

type ImagePhase string

const (
	PhaseBefore ImagePhase = "before"
	PhaseDuring ImagePhase = "during"
	PhaseAfter  ImagePhase = "after"
)

func ParseImagePhase(s string) (ImagePhase, error) {
	switch p := ImagePhase(s); p {
	case PhaseBefore, PhaseDuring, PhaseAfter:
		return p, nil
	}
	return "", fmt.Errorf("unknown image phase %q", s)
}

// Slot returns the image list for a phase.
func (im *ProjectImages) Slot(p ImagePhase) *[]string {
	switch p {
	case PhaseDuring:
		return &im.During
	case PhaseAfter:
		return &im.After
	default:
		return &im.Before
	}
}
