package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/google/uuid"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := shared.OpenMigrated(shared.DatabaseConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	t.Run("Client ID Generated Once", func(t *testing.T) {
		s := openStore(t, ":memory:")

		first, err := s.ClientID()
		if err != nil {
			t.Fatalf("ClientID failed: %v", err)
		}
		if _, err := uuid.Parse(first); err != nil {
			t.Errorf("expected a UUID, got %q", first)
		}

		second, _ := s.ClientID()
		if first != second {
			t.Errorf("client id changed: %s != %s", first, second)
		}
	})

	t.Run("Regenerate Client ID", func(t *testing.T) {
		s := openStore(t, ":memory:")
		first, _ := s.ClientID()

		next, err := s.RegenerateClientID()
		if err != nil {
			t.Fatalf("RegenerateClientID failed: %v", err)
		}
		if next == first {
			t.Error("expected a new client id")
		}
		if got, _ := s.ClientID(); got != next {
			t.Errorf("expected %s, got %s", next, got)
		}
	})

	t.Run("Current Task", func(t *testing.T) {
		s := openStore(t, ":memory:")

		h, err := s.CurrentTask()
		if err != nil || h != nil {
			t.Fatalf("expected no task, got %+v err=%v", h, err)
		}

		if err := s.SetCurrentTask(models.TaskHandle{TaskID: "t1"}); err != nil {
			t.Fatalf("SetCurrentTask failed: %v", err)
		}
		h, _ = s.CurrentTask()
		if h == nil || h.TaskID != "t1" {
			t.Errorf("expected t1, got %+v", h)
		}

		if err := s.ClearCurrentTask(); err != nil {
			t.Fatalf("ClearCurrentTask failed: %v", err)
		}
		if err := s.ClearCurrentTask(); err != nil {
			t.Fatalf("second ClearCurrentTask failed: %v", err)
		}
		h, _ = s.CurrentTask()
		if h != nil {
			t.Errorf("expected no task after clear, got %+v", h)
		}
	})

	t.Run("Rejects Empty Task", func(t *testing.T) {
		s := openStore(t, ":memory:")
		if err := s.SetCurrentTask(models.TaskHandle{TaskID: "  "}); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("Survives Restart", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "deckctl.db")

		s := openStore(t, path)
		id, _ := s.ClientID()
		_ = s.SetCurrentTask(models.TaskHandle{TaskID: "t42"})
		_ = s.SetLastContent("# Slides")

		reopened := openStore(t, path)
		if got, _ := reopened.ClientID(); got != id {
			t.Errorf("client id not persisted: %s != %s", got, id)
		}
		if h, _ := reopened.CurrentTask(); h == nil || h.TaskID != "t42" {
			t.Errorf("current task not persisted: %+v", h)
		}
		if c, _ := reopened.LastContent(); c != "# Slides" {
			t.Errorf("last content not persisted: %q", c)
		}
	})

	t.Run("Write Failure Keeps Cache", func(t *testing.T) {
		db, err := shared.OpenMigrated(shared.DatabaseConfig{Path: ":memory:"})
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		s, err := NewStore(db)
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		_ = s.SetCurrentTask(models.TaskHandle{TaskID: "t1"})
		db.Close()

		if err := s.SetCurrentTask(models.TaskHandle{TaskID: "t2"}); err == nil {
			t.Fatal("expected write error on closed database")
		}
		if h, _ := s.CurrentTask(); h == nil || h.TaskID != "t1" {
			t.Errorf("failed write should not change cached task, got %+v", h)
		}
	})
}
