package socket

import (
	"encoding/json"
	"sync"
	"time"

	"coscribe/internal/document/repository"
	"coscribe/pkg/logger"
)

// saveCoordinator serializes the load -> mutate -> persist window per
// document so two saves for the same document cannot interleave. The version
// counter therefore advances by exactly one per committed save; racing saves
// still overwrite each other's content, which is the accepted last-write-wins
// behavior of this layer. Saves for different documents run in parallel.
type saveCoordinator struct {
	repo *repository.DocumentRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSaveCoordinator(repo *repository.DocumentRepository) *saveCoordinator {
	return &saveCoordinator{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock entries are tiny and reused across saves; they are never reclaimed.
func (s *saveCoordinator) lockFor(docID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	return l
}

// Save loads the current snapshot, applies the new title (if any) and
// content, bumps the version by one relative to the loaded snapshot, and
// commits with editor attribution. Returns the committed version and the
// persistence timestamp.
func (s *saveCoordinator) Save(docID, title string, content json.RawMessage, editorID string) (int, time.Time, error) {
	l := s.lockFor(docID)
	l.Lock()
	defer l.Unlock()

	doc, err := s.repo.GetSnapshot(docID)
	if err != nil {
		return 0, time.Time{}, err
	}

	if title == "" {
		title = doc.Title
	}
	version := doc.Version + 1

	ts, err := s.repo.Persist(docID, title, content, editorID, version)
	if err != nil {
		return 0, time.Time{}, err
	}

	// History is an audit trail; a failed append must not turn a committed
	// save into a reported failure.
	if err := s.repo.AddVersion(docID, version, title, content, editorID); err != nil {
		logger.Sugar.Warnf("Version history append failed for doc %s v%d: %v", docID, version, err)
	}

	return version, ts, nil
}
