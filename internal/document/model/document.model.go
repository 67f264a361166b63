package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced document no longer exists,
// e.g. it was deleted through the REST layer while a session was active.
var ErrNotFound = errors.New("document not found")

// Capability is an authorization level checked per event.
type Capability string

const (
	CapabilityView    Capability = "view"
	CapabilityComment Capability = "comment"
	CapabilityEdit    Capability = "edit"
)

// SatisfiedBy lists the explicit grants that satisfy the capability.
// A view requirement is met by any grant; edit only by an edit grant.
// Authorship satisfies both and is checked separately.
func (c Capability) SatisfiedBy() []string {
	if c == CapabilityEdit {
		return []string{string(CapabilityEdit)}
	}
	return []string{string(CapabilityView), string(CapabilityComment), string(CapabilityEdit)}
}

// Document is a snapshot of a persisted document. The session layer borrows
// it for the duration of a single save and never caches it across operations.
type Document struct {
	ID           string          `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	Version      int             `json:"version"`
	CreatedBy    string          `json:"created_by"`
	LastEditedBy string          `json:"last_edited_by"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type CreateDocRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type GrantRequest struct {
	DocID      string `json:"document_id"`
	UserID     string `json:"user_id"`
	Capability string `json:"capability"`
}

type DocumentMetadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	IsOwner   bool      `json:"is_owner"`
}

type VersionEntry struct {
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	EditedBy  string    `json:"edited_by"`
	CreatedAt time.Time `json:"created_at"`
}
