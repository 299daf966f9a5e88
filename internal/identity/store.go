// Package identity persists who this client is and which task it is tracking.
//
// Three keys live in the client_state table: the client id, the current task id and the last
// markdown content entered. Each is written on every mutation and read once when the [Store]
// is opened.
package identity

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/repositories"
	"github.com/desertthunder/deckctl/internal/shared"
)

const (
	keyClientID    = "client_id"
	keyCurrentTask = "current_task_id"
	keyLastContent = "last_markdown_content"
)

// Store is the single owner of persisted client state. It is safe for concurrent use.
type Store struct {
	repo *repositories.StateRepository

	mu          sync.Mutex
	clientID    string
	currentTask string
	lastContent string
}

// NewStore loads persisted values from db, which must already be migrated.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{repo: repositories.NewStateRepository(db)}

	values, err := s.repo.All()
	if err != nil {
		return nil, fmt.Errorf("failed to load client state: %w", err)
	}
	s.clientID = values[keyClientID]
	s.currentTask = values[keyCurrentTask]
	s.lastContent = values[keyLastContent]
	return s, nil
}

// ClientID returns the persisted client id, generating and saving one on first use.
func (s *Store) ClientID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientID != "" {
		return s.clientID, nil
	}
	return s.regenerateLocked()
}

// RegenerateClientID replaces the client id. Existing push subscriptions keep the old one.
func (s *Store) RegenerateClientID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regenerateLocked()
}

func (s *Store) regenerateLocked() (string, error) {
	id := shared.GenerateID()
	if err := s.repo.Set(keyClientID, id); err != nil {
		return "", err
	}
	s.clientID = id
	return id, nil
}

// CurrentTask returns the tracked task, or nil when there is none.
func (s *Store) CurrentTask() (*models.TaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentTask == "" {
		return nil, nil
	}
	return &models.TaskHandle{TaskID: s.currentTask}, nil
}

// SetCurrentTask replaces the tracked task.
func (s *Store) SetCurrentTask(h models.TaskHandle) error {
	id := strings.TrimSpace(h.TaskID)
	if id == "" {
		return fmt.Errorf("%w: task id is required", shared.ErrMissingArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Set(keyCurrentTask, id); err != nil {
		return err
	}
	s.currentTask = id
	return nil
}

// ClearCurrentTask forgets the tracked task. Clearing when nothing is tracked is a no-op.
func (s *Store) ClearCurrentTask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Delete(keyCurrentTask); err != nil {
		return err
	}
	s.currentTask = ""
	return nil
}

func (s *Store) LastContent() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContent, nil
}

func (s *Store) SetLastContent(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Set(keyLastContent, content); err != nil {
		return err
	}
	s.lastContent = content
	return nil
}
