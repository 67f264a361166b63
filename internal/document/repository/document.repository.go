package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"coscribe/internal/document/model"
	"coscribe/pkg/logger"

	"github.com/lib/pq"
)

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

func (r *DocumentRepository) Create(id, workspaceID, title string, content json.RawMessage, createdBy string) error {
	_, err := r.DB.Exec(`INSERT INTO documents (id, workspace_id, title, content, version, created_by, last_edited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5, NOW(), NOW())`,
		id, workspaceID, title, string(content), createdBy)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
	}
	return err
}

func (r *DocumentRepository) GetSnapshot(docID string) (*model.Document, error) {
	doc := model.Document{ID: docID}
	var content []byte
	err := r.DB.QueryRow(`SELECT workspace_id, title, content, version, created_by, last_edited_by, updated_at
		FROM documents WHERE id = $1`, docID).
		Scan(&doc.WorkspaceID, &doc.Title, &content, &doc.Version, &doc.CreatedBy, &doc.LastEditedBy, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load document %s: %v", docID, err)
		return nil, err
	}
	doc.Content = json.RawMessage(content)
	return &doc, nil
}

// CanAccess resolves whether userID holds the required capability on a
// document: the document must exist, the user must be a member of its
// workspace, and either authored it or holds a satisfying grant.
func (r *DocumentRepository) CanAccess(docID, userID string, capability model.Capability) (bool, error) {
	var createdBy, workspaceID string
	err := r.DB.QueryRow("SELECT created_by, workspace_id FROM documents WHERE id = $1", docID).
		Scan(&createdBy, &workspaceID)
	if err == sql.ErrNoRows {
		return false, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to check access for doc %s: %v", docID, err)
		return false, err
	}

	var member bool
	err = r.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)",
		workspaceID, userID).Scan(&member)
	if err != nil {
		logger.Sugar.Errorf("Failed to check workspace membership for user %s: %v", userID, err)
		return false, err
	}
	if !member {
		return false, nil
	}

	if createdBy == userID {
		return true, nil
	}

	var granted bool
	err = r.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM document_grants WHERE document_id = $1 AND user_id = $2 AND capability = ANY($3))",
		docID, userID, pq.Array(capability.SatisfiedBy())).Scan(&granted)
	if err != nil {
		logger.Sugar.Errorf("Failed to check grants for user %s on doc %s: %v", userID, docID, err)
		return false, err
	}
	return granted, nil
}

// Persist commits a new revision of the document, attributing it to editorID.
// The version value is computed by the caller from the snapshot it loaded.
func (r *DocumentRepository) Persist(docID, title string, content json.RawMessage, editorID string, version int) (time.Time, error) {
	var updatedAt time.Time
	err := r.DB.QueryRow(`UPDATE documents SET title = $1, content = $2, version = $3, last_edited_by = $4, updated_at = NOW()
		WHERE id = $5 RETURNING updated_at`,
		title, string(content), version, editorID, docID).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to persist doc %s: %v", docID, err)
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (r *DocumentRepository) AddVersion(docID string, version int, title string, content json.RawMessage, editorID string) error {
	_, err := r.DB.Exec(`INSERT INTO document_versions (document_id, version, title, content, edited_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		docID, version, title, string(content), editorID)
	if err != nil {
		logger.Sugar.Errorf("Failed to record version %d of doc %s: %v", version, docID, err)
	}
	return err
}

func (r *DocumentRepository) IsWorkspaceMember(workspaceID, userID string) (bool, error) {
	var member bool
	err := r.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)",
		workspaceID, userID).Scan(&member)
	if err != nil {
		logger.Sugar.Errorf("Failed to check membership of user %s in workspace %s: %v", userID, workspaceID, err)
	}
	return member, err
}

func (r *DocumentRepository) Grant(docID, userID, capability string) error {
	_, err := r.DB.Exec(`INSERT INTO document_grants (document_id, user_id, capability) VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET capability = $3`, docID, userID, capability)
	if err != nil {
		logger.Sugar.Errorf("Failed to grant %s on doc %s to user %s: %v", capability, docID, userID, err)
	}
	return err
}

func (r *DocumentRepository) ListByUser(userID string) ([]model.DocumentMetadata, error) {
	query := `
		SELECT id, title, version, updated_at, created_by FROM documents WHERE created_by = $1
		UNION
		SELECT d.id, d.title, d.version, d.updated_at, d.created_by FROM documents d JOIN document_grants g ON d.id = g.document_id WHERE g.user_id = $1
		ORDER BY updated_at DESC`
	rows, err := r.DB.Query(query, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list documents for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var docs []model.DocumentMetadata
	for rows.Next() {
		var doc model.DocumentMetadata
		var createdBy string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Version, &doc.UpdatedAt, &createdBy); err != nil {
			continue
		}
		doc.IsOwner = (createdBy == userID)
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *DocumentRepository) ListVersions(docID string) ([]model.VersionEntry, error) {
	rows, err := r.DB.Query(`SELECT version, title, edited_by, created_at FROM document_versions
		WHERE document_id = $1 ORDER BY version DESC`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	var versions []model.VersionEntry
	for rows.Next() {
		var v model.VersionEntry
		if err := rows.Scan(&v.Version, &v.Title, &v.EditedBy, &v.CreatedAt); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}
