package service

import (
	"encoding/json"
	"errors"

	"coscribe/internal/document/model"
	"coscribe/internal/document/repository"

	"github.com/google/uuid"
)

type DocumentService struct {
	Repo *repository.DocumentRepository
}

func NewDocumentService(repo *repository.DocumentRepository) *DocumentService {
	return &DocumentService{Repo: repo}
}

func (s *DocumentService) CreateDocument(userID string, req model.CreateDocRequest) (string, error) {
	if req.WorkspaceID == "" {
		return "", errors.New("workspace id is required")
	}
	member, err := s.Repo.IsWorkspaceMember(req.WorkspaceID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", errors.New("unauthorized: not a workspace member")
	}

	title := req.Title
	if title == "" {
		title = "Untitled Document"
	}

	docID := uuid.NewString()
	err = s.Repo.Create(docID, req.WorkspaceID, title, json.RawMessage(`{}`), userID)
	return docID, err
}

func (s *DocumentService) GetDocument(userID, docID string) (*model.Document, error) {
	allowed, err := s.Repo.CanAccess(docID, userID, model.CapabilityView)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.New("unauthorized")
	}
	return s.Repo.GetSnapshot(docID)
}

func (s *DocumentService) GetDocuments(userID string) ([]model.DocumentMetadata, error) {
	docs, err := s.Repo.ListByUser(userID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.DocumentMetadata{}
	}
	return docs, nil
}

// GrantAccess lets the document's author give another user a capability.
func (s *DocumentService) GrantAccess(userID string, req model.GrantRequest) error {
	switch model.Capability(req.Capability) {
	case model.CapabilityView, model.CapabilityComment, model.CapabilityEdit:
	default:
		return errors.New("invalid capability: must be view, comment, or edit")
	}

	doc, err := s.Repo.GetSnapshot(req.DocID)
	if err != nil {
		return err
	}
	if doc.CreatedBy != userID {
		return errors.New("unauthorized: only the author can grant access")
	}

	return s.Repo.Grant(req.DocID, req.UserID, req.Capability)
}

func (s *DocumentService) GetVersions(userID, docID string) ([]model.VersionEntry, error) {
	allowed, err := s.Repo.CanAccess(docID, userID, model.CapabilityView)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.New("unauthorized")
	}
	versions, err := s.Repo.ListVersions(docID)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []model.VersionEntry{}
	}
	return versions, nil
}
