package socket

import (
	"encoding/json"
	"time"

	"coscribe/pkg/logger"
)

// Inbound event names (client -> server).
const (
	EventJoinDocument  = "join-document"
	EventEditDocument  = "edit-document"
	EventSaveDocument  = "save-document"
	EventLeaveDocument = "leave-document"
)

// Outbound event names (server -> client).
const (
	EventDocumentMembers = "document-members"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventEdit            = "edit"
	EventSaveSuccess     = "save-success"
	EventDocumentSaved   = "document-saved"
	EventError           = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type EditPayload struct {
	DocumentID string          `json:"documentId"`
	Changes    json.RawMessage `json:"changes"`
	Position   json.RawMessage `json:"position,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

type SavePayload struct {
	DocumentID string          `json:"documentId"`
	Content    json.RawMessage `json:"content"`
	Title      string          `json:"title,omitempty"`
}

type MembersPayload struct {
	Members []Presence `json:"members"`
}

type UserJoinedPayload struct {
	Message string     `json:"message"`
	Members []Presence `json:"members"`
}

type UserLeftPayload struct {
	Message string     `json:"message"`
	UserID  string     `json:"userId"`
	Members []Presence `json:"members"`
}

type EditBroadcast struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	Position json.RawMessage `json:"position,omitempty"`
	Changes  json.RawMessage `json:"changes"`
	Content  json.RawMessage `json:"content,omitempty"`
}

type SaveSuccessPayload struct {
	Message   string    `json:"message"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type DocumentSavedPayload struct {
	SavedBy string `json:"savedBy"`
	Version int    `json:"version"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func mustEnvelope(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s payload: %v", event, err)
		return nil
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s envelope: %v", event, err)
		return nil
	}
	return out
}
