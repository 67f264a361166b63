package socket

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coscribe/internal/document/repository"
	"coscribe/middleware"
	"coscribe/pkg/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init()
}

// Helper to read one envelope from a WebSocket connection with a timeout.
func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	var env Envelope
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	err = json.Unmarshal(p, &env)
	require.NoError(t, err, "Failed to unmarshal envelope JSON")
	return env
}

func decodeData(t *testing.T, env Envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

// Asserts that nothing arrives on the connection within a short window.
func assertNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "Expected no message, but one arrived")
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

// Spins up a hub over a sqlmock database behind a test HTTP server. The test
// server fabricates the identity from query parameters, standing in for the
// JWT middleware that fronts /ws in production.
func setupHub(t *testing.T) (*Hub, sqlmock.Sqlmock, string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := NewHub(repository.NewDocumentRepository(db))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := middleware.Identity{
			UserID:      r.URL.Query().Get("user_id"),
			DisplayName: r.URL.Query().Get("name"),
		}
		ServeWs(hub, w, r, identity)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, mock, wsURL
}

func dial(t *testing.T, wsURL, userID, name string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?user_id="+userID+"&name="+name, nil)
	require.NoError(t, err, "Failed to connect")
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Expectations for one CanAccess ladder walk. The author path stops after the
// workspace membership check; everyone else also hits the grants table.
func expectAccessCheck(mock sqlmock.Sqlmock, docID, createdBy, workspaceID, userID string, member, granted bool) {
	mock.ExpectQuery("SELECT created_by, workspace_id FROM documents").
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"created_by", "workspace_id"}).AddRow(createdBy, workspaceID))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM workspace_members`).
		WithArgs(workspaceID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(member))
	if member && createdBy != userID {
		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM document_grants`).
			WithArgs(docID, userID, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(granted))
	}
}

func TestJoinReceivesRosterAndNotifiesOthers(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false)
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, true)

	connA := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, connA, EventJoinDocument, JoinPayload{DocumentID: docID})

	env := readEvent(t, connA)
	assert.Equal(t, EventDocumentMembers, env.Event)
	var members MembersPayload
	decodeData(t, env, &members)
	require.Len(t, members.Members, 1)
	assert.Equal(t, "alice", members.Members[0].UserID)
	assert.Equal(t, "Alice", members.Members[0].DisplayName)

	connB := dial(t, wsURL, "bob", "Bob")
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: docID})

	env = readEvent(t, connB)
	assert.Equal(t, EventDocumentMembers, env.Event)
	decodeData(t, env, &members)
	assert.Len(t, members.Members, 2, "Joiner's ack must contain the full roster including itself")

	env = readEvent(t, connA)
	assert.Equal(t, EventUserJoined, env.Event)
	var joined UserJoinedPayload
	decodeData(t, env, &joined)
	assert.Contains(t, joined.Message, "Bob")
	assert.Len(t, joined.Members, 2, "Roster broadcast after a join must include the new member")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinIsIdempotent(t *testing.T) {
	hub, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false)
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false)

	conn := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, conn, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, conn)

	sendEvent(t, conn, EventJoinDocument, JoinPayload{DocumentID: docID})
	env := readEvent(t, conn)
	assert.Equal(t, EventDocumentMembers, env.Event)
	var members MembersPayload
	decodeData(t, env, &members)
	assert.Len(t, members.Members, 1, "Rejoining must not create a duplicate presence entry")

	assert.Len(t, hub.Roster(docID), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinOtherDocumentLeavesPreviousRoom(t *testing.T) {
	hub, mock, wsURL := setupHub(t)

	expectAccessCheck(mock, "doc-1", "alice", "ws-1", "alice", true, false)
	expectAccessCheck(mock, "doc-1", "alice", "ws-1", "bob", true, true)
	expectAccessCheck(mock, "doc-2", "bob", "ws-1", "bob", true, false)

	connA := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, connA, EventJoinDocument, JoinPayload{DocumentID: "doc-1"})
	_ = readEvent(t, connA)

	connB := dial(t, wsURL, "bob", "Bob")
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: "doc-1"})
	_ = readEvent(t, connB)
	_ = readEvent(t, connA) // user-joined

	// A connection holds one current room: moving to doc-2 leaves doc-1.
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: "doc-2"})

	env := readEvent(t, connA)
	assert.Equal(t, EventUserLeft, env.Event)
	var left UserLeftPayload
	decodeData(t, env, &left)
	assert.Equal(t, "bob", left.UserID)
	require.Len(t, left.Members, 1)
	assert.Equal(t, "alice", left.Members[0].UserID)

	env = readEvent(t, connB)
	assert.Equal(t, EventDocumentMembers, env.Event)
	var members MembersPayload
	decodeData(t, env, &members)
	require.Len(t, members.Members, 1)
	assert.Equal(t, "bob", members.Members[0].UserID)

	roster := hub.Roster("doc-1")
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID)
	require.Len(t, hub.Roster("doc-2"), 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinDeniedWithoutGrant(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "mallory", true, false)

	conn := dial(t, wsURL, "mallory", "Mallory")
	sendEvent(t, conn, EventJoinDocument, JoinPayload{DocumentID: docID})

	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	var errPayload ErrorPayload
	decodeData(t, env, &errPayload)
	assert.Equal(t, "You can't join this document", errPayload.Message)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinDeletedDocument(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	// The document was removed through the REST layer; the refusal stays
	// generic and leaks nothing about rosters or content.
	mock.ExpectQuery("SELECT created_by, workspace_id FROM documents").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	conn := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, conn, EventJoinDocument, JoinPayload{DocumentID: "gone"})

	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	var errPayload ErrorPayload
	decodeData(t, env, &errPayload)
	assert.Equal(t, "You can't join this document", errPayload.Message)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestViewerCannotEditOrSave(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	docID := "doc-1"
	// bob holds only a view grant: the edit-capability check walks the full
	// ladder and comes back empty, twice.
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, false)
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, false)

	conn := dial(t, wsURL, "bob", "Bob")

	sendEvent(t, conn, EventEditDocument, EditPayload{DocumentID: docID, Changes: json.RawMessage(`{"ops":[]}`)})
	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	var errPayload ErrorPayload
	decodeData(t, env, &errPayload)
	assert.Equal(t, "You can't edit this document", errPayload.Message)

	sendEvent(t, conn, EventSaveDocument, SavePayload{DocumentID: docID, Content: json.RawMessage(`{"ops":[]}`)})
	env = readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	decodeData(t, env, &errPayload)
	assert.Equal(t, "You can't save this document", errPayload.Message)

	// No UPDATE was ever expected: the persisted version is untouched.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEditRelaySkipsSender(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false) // alice join
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, true)   // bob join
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, true)   // bob edit

	connA := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, connA, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connA) // document-members

	connB := dial(t, wsURL, "bob", "Bob")
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connB) // document-members
	_ = readEvent(t, connA) // user-joined

	changes := `{"ops":[{"retain":4},{"insert":"!"}]}`
	sendEvent(t, connB, EventEditDocument, EditPayload{DocumentID: docID, Changes: json.RawMessage(changes)})

	env := readEvent(t, connA)
	assert.Equal(t, EventEdit, env.Event)
	var edit EditBroadcast
	decodeData(t, env, &edit)
	assert.Equal(t, "bob", edit.UserID)
	assert.Equal(t, "Bob", edit.UserName)
	assert.JSONEq(t, changes, string(edit.Changes))

	assertNoEvent(t, connB)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAcksSenderAndNotifiesOthers(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false) // alice join
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, true)   // bob join
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false) // alice save

	newContent := `{"ops":[{"insert":"Hello"}]}`
	savedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT workspace_id, title, content, version, created_by, last_edited_by, updated_at").
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "title", "content", "version", "created_by", "last_edited_by", "updated_at"}).
			AddRow("ws-1", "Notes", []byte(`{"ops":[]}`), 1, "alice", "alice", savedAt))
	mock.ExpectQuery("UPDATE documents SET title").
		WithArgs("Notes", newContent, 2, "alice", docID).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(savedAt))
	mock.ExpectExec("INSERT INTO document_versions").
		WithArgs(docID, 2, "Notes", newContent, "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))

	connA := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, connA, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connA)

	connB := dial(t, wsURL, "bob", "Bob")
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connB)
	_ = readEvent(t, connA) // user-joined

	sendEvent(t, connA, EventSaveDocument, SavePayload{DocumentID: docID, Content: json.RawMessage(newContent)})

	env := readEvent(t, connA)
	assert.Equal(t, EventSaveSuccess, env.Event)
	var success SaveSuccessPayload
	decodeData(t, env, &success)
	assert.Equal(t, 2, success.Version)
	assert.False(t, success.Timestamp.IsZero())

	env = readEvent(t, connB)
	assert.Equal(t, EventDocumentSaved, env.Event)
	var saved DocumentSavedPayload
	decodeData(t, env, &saved)
	assert.Equal(t, 2, saved.Version)
	assert.Equal(t, "Alice", saved.SavedBy)

	assertNoEvent(t, connB)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequiresContent(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	conn := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, conn, EventSaveDocument, SavePayload{DocumentID: "doc-1"})

	env := readEvent(t, conn)
	assert.Equal(t, EventError, env.Event)
	var errPayload ErrorPayload
	decodeData(t, env, &errPayload)
	assert.Equal(t, "Document id and content are required", errPayload.Message)

	// Rejected before any collaborator call: no DB traffic at all.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectCleansUpRoom(t *testing.T) {
	hub, mock, wsURL := setupHub(t)

	docID := "doc-1"
	expectAccessCheck(mock, docID, "alice", "ws-1", "alice", true, false)
	expectAccessCheck(mock, docID, "alice", "ws-1", "bob", true, true)

	connA := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, connA, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connA)

	connB := dial(t, wsURL, "bob", "Bob")
	sendEvent(t, connB, EventJoinDocument, JoinPayload{DocumentID: docID})
	_ = readEvent(t, connB)
	_ = readEvent(t, connA) // user-joined

	// Bob drops the transport without an explicit leave.
	connB.Close()

	env := readEvent(t, connA)
	assert.Equal(t, EventUserLeft, env.Event)
	var left UserLeftPayload
	decodeData(t, env, &left)
	assert.Equal(t, "bob", left.UserID)
	assert.Len(t, left.Members, 1)

	connA.Close()
	require.Eventually(t, func() bool {
		return hub.Roster(docID) == nil
	}, time.Second, 10*time.Millisecond, "Room must cease to exist once the last member disconnects")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaveWithoutJoinIsNoOp(t *testing.T) {
	_, mock, wsURL := setupHub(t)

	conn := dial(t, wsURL, "alice", "Alice")
	sendEvent(t, conn, EventLeaveDocument, struct{}{})

	assertNoEvent(t, conn)
	assert.NoError(t, mock.ExpectationsWereMet())
}
