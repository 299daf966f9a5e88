package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/shared"
)

// TaskRepository records the tasks this client started and their last known status.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new TaskRepository with the given database connection
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a history row. Recording the same task twice refreshes its template and status.
func (r *TaskRepository) Create(rec models.TaskRecord) error {
	if strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", shared.ErrValidation)
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	query := `
		INSERT INTO task_history (task_id, template_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			template_id = excluded.template_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.Exec(query, rec.TaskID, rec.TemplateID, string(rec.Status), rec.CreatedAt, now); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateStatus sets the last known status of a recorded task.
func (r *TaskRepository) UpdateStatus(taskID string, status models.TaskStatus) error {
	result, err := r.db.Exec(
		`UPDATE task_history SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, taskID)
	}
	return nil
}

// Get retrieves one task by id.
func (r *TaskRepository) Get(taskID string) (*models.TaskRecord, error) {
	query := `
		SELECT task_id, template_id, status, created_at, updated_at
		FROM task_history
		WHERE task_id = ?
	`
	rec, err := scanTask(r.db.QueryRow(query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrTaskNotFound, taskID)
	}
	return rec, err
}

// List returns up to limit tasks, newest first. A non-positive limit returns everything.
func (r *TaskRepository) List(limit int) ([]models.TaskRecord, error) {
	query := `
		SELECT task_id, template_id, status, created_at, updated_at
		FROM task_history
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	records := []models.TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return records, nil
}

// Delete removes one task from the history.
func (r *TaskRepository) Delete(taskID string) error {
	result, err := r.db.Exec(`DELETE FROM task_history WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, taskID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.TaskRecord, error) {
	var (
		rec       models.TaskRecord
		status    string
		createdAt sql.NullTime
		updatedAt sql.NullTime
	)
	if err := row.Scan(&rec.TaskID, &rec.TemplateID, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	rec.Status = models.TaskStatus(status)
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}
