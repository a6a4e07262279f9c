package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vernite/vernite/internal/apperror"
)

// Integration binds one local project to one remote repository through one
// installation. Soft-deleted rows keep their task mappings for history; a
// partial unique index allows at most one active integration per project.
type Integration struct {
	ID                 string
	ProjectID          string
	InstallationID     int64
	RepositoryFullName string
	DeletedAt          *time.Time
	CreatedAt          time.Time
}

// TaskIntegration type discriminators.
const (
	TypeIssue       = "issue"
	TypePullRequest = "pull_request"
)

// TaskIntegration binds one local task to one remote issue or pull request
// within one integration.
type TaskIntegration struct {
	TaskID        string
	IntegrationID string
	Type          string
	IssueNumber   int
	Merged        bool
}

// CommentIntegration binds one remote comment id to one local comment.
type CommentIntegration struct {
	RemoteCommentID int64
	CommentID       string
}

const integrationCols = `id, project_id, installation_id, repository_full_name, deleted_at, created_at`

func scanIntegration(row interface{ Scan(...any) error }) (Integration, error) {
	var in Integration
	var deleted sql.NullString
	var created string
	err := row.Scan(&in.ID, &in.ProjectID, &in.InstallationID, &in.RepositoryFullName, &deleted, &created)
	if err != nil {
		return Integration{}, err
	}
	if deleted.Valid {
		t := parseTime(deleted.String)
		in.DeletedAt = &t
	}
	in.CreatedAt = parseTime(created)
	return in, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateIntegration inserts a new active integration. Returns a conflict
// error when the project already has an active integration.
func (db *DB) CreateIntegration(in Integration) (Integration, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.CreatedAt = time.Now().UTC()
	_, err := db.conn.Exec(`
		INSERT INTO integrations (id, project_id, installation_id, repository_full_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.ProjectID, in.InstallationID, in.RepositoryFullName, formatTime(in.CreatedAt))
	if isUniqueViolation(err) {
		return Integration{}, apperror.Conflict("project already has an active integration")
	}
	if err != nil {
		return Integration{}, fmt.Errorf("creating integration: %w", err)
	}
	return in, nil
}

// GetIntegration returns the integration with the given id, deleted or not.
func (db *DB) GetIntegration(id string) (Integration, error) {
	row := db.conn.QueryRow(`SELECT `+integrationCols+` FROM integrations WHERE id = ?`, id)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, apperror.NotFound("integration", id)
	}
	if err != nil {
		return Integration{}, fmt.Errorf("getting integration: %w", err)
	}
	return in, nil
}

// GetIntegrationByProject returns the project's active integration.
func (db *DB) GetIntegrationByProject(projectID string) (Integration, error) {
	row := db.conn.QueryRow(`SELECT `+integrationCols+` FROM integrations WHERE project_id = ? AND deleted_at IS NULL`, projectID)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, apperror.NotFound("integration for project", projectID)
	}
	if err != nil {
		return Integration{}, fmt.Errorf("getting project integration: %w", err)
	}
	return in, nil
}

// ListIntegrationsByRepository returns all active integrations pointing at
// the repository full name. Several projects may integrate the same
// repository.
func (db *DB) ListIntegrationsByRepository(fullName string) ([]Integration, error) {
	rows, err := db.conn.Query(`SELECT `+integrationCols+` FROM integrations WHERE repository_full_name = ? AND deleted_at IS NULL`, fullName)
	if err != nil {
		return nil, fmt.Errorf("listing integrations by repository: %w", err)
	}
	defer rows.Close()

	var ins []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		ins = append(ins, in)
	}
	return ins, rows.Err()
}

// SoftDeleteIntegration tombstones the integration, preserving its task
// mappings.
func (db *DB) SoftDeleteIntegration(id string) error {
	res, err := db.conn.Exec(`UPDATE integrations SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("soft-deleting integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("integration", id)
	}
	return nil
}

// DeleteIntegrationsByRepository hard-deletes every active integration on the
// repository and their task mappings, inside one transaction. Used when the
// provider revokes repository access.
func (db *DB) DeleteIntegrationsByRepository(fullName string) error {
	return db.tx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM integrations WHERE repository_full_name = ? AND deleted_at IS NULL`, fullName)
		if err != nil {
			return fmt.Errorf("listing integrations: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning integration id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM task_integrations WHERE integration_id = ?`, id); err != nil {
				return fmt.Errorf("deleting task integrations: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM integrations WHERE id = ?`, id); err != nil {
				return fmt.Errorf("deleting integration: %w", err)
			}
		}
		return nil
	})
}

// CreateTaskIntegration inserts the task↔issue/PR mapping. Returns conflict
// when the mapping, or another mapping for the same (integration, type,
// number), already exists.
func (db *DB) CreateTaskIntegration(ti TaskIntegration) error {
	_, err := db.conn.Exec(`
		INSERT INTO task_integrations (task_id, integration_id, type, issue_number, merged)
		VALUES (?, ?, ?, ?, ?)`,
		ti.TaskID, ti.IntegrationID, ti.Type, ti.IssueNumber, ti.Merged)
	if isUniqueViolation(err) {
		return apperror.Conflict(fmt.Sprintf("task integration for %s #%d already exists", ti.Type, ti.IssueNumber))
	}
	if err != nil {
		return fmt.Errorf("creating task integration: %w", err)
	}
	return nil
}

// GetTaskIntegration returns the mapping for the composite key.
func (db *DB) GetTaskIntegration(taskID, integrationID, typ string) (TaskIntegration, error) {
	row := db.conn.QueryRow(`
		SELECT task_id, integration_id, type, issue_number, merged
		FROM task_integrations WHERE task_id = ? AND integration_id = ? AND type = ?`,
		taskID, integrationID, typ)
	var ti TaskIntegration
	err := row.Scan(&ti.TaskID, &ti.IntegrationID, &ti.Type, &ti.IssueNumber, &ti.Merged)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskIntegration{}, apperror.NotFound("task integration", taskID)
	}
	if err != nil {
		return TaskIntegration{}, fmt.Errorf("getting task integration: %w", err)
	}
	return ti, nil
}

// ListTaskIntegrationsByNumber returns every mapping for the given issue or
// pull-request number within the integration, regardless of type.
func (db *DB) ListTaskIntegrationsByNumber(integrationID string, number int) ([]TaskIntegration, error) {
	rows, err := db.conn.Query(`
		SELECT task_id, integration_id, type, issue_number, merged
		FROM task_integrations WHERE integration_id = ? AND issue_number = ?`,
		integrationID, number)
	if err != nil {
		return nil, fmt.Errorf("listing task integrations: %w", err)
	}
	defer rows.Close()

	var tis []TaskIntegration
	for rows.Next() {
		var ti TaskIntegration
		if err := rows.Scan(&ti.TaskID, &ti.IntegrationID, &ti.Type, &ti.IssueNumber, &ti.Merged); err != nil {
			return nil, fmt.Errorf("scanning task integration: %w", err)
		}
		tis = append(tis, ti)
	}
	return tis, rows.Err()
}

// ListTaskIntegrationsByIntegration returns every mapping within the
// integration.
func (db *DB) ListTaskIntegrationsByIntegration(integrationID string) ([]TaskIntegration, error) {
	rows, err := db.conn.Query(`
		SELECT task_id, integration_id, type, issue_number, merged
		FROM task_integrations WHERE integration_id = ?`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("listing task integrations: %w", err)
	}
	defer rows.Close()

	var tis []TaskIntegration
	for rows.Next() {
		var ti TaskIntegration
		if err := rows.Scan(&ti.TaskID, &ti.IntegrationID, &ti.Type, &ti.IssueNumber, &ti.Merged); err != nil {
			return nil, fmt.Errorf("scanning task integration: %w", err)
		}
		tis = append(tis, ti)
	}
	return tis, rows.Err()
}

// SetTaskIntegrationMerged records that the mapped pull request was merged.
func (db *DB) SetTaskIntegrationMerged(taskID, integrationID string, merged bool) error {
	_, err := db.conn.Exec(`
		UPDATE task_integrations SET merged = ? WHERE task_id = ? AND integration_id = ? AND type = ?`,
		merged, taskID, integrationID, TypePullRequest)
	if err != nil {
		return fmt.Errorf("updating task integration merged flag: %w", err)
	}
	return nil
}

// DeleteTaskIntegration removes a single mapping.
func (db *DB) DeleteTaskIntegration(taskID, integrationID, typ string) error {
	res, err := db.conn.Exec(`
		DELETE FROM task_integrations WHERE task_id = ? AND integration_id = ? AND type = ?`,
		taskID, integrationID, typ)
	if err != nil {
		return fmt.Errorf("deleting task integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("task integration", taskID)
	}
	return nil
}

// CreateCommentIntegration maps a remote comment id to a local comment.
func (db *DB) CreateCommentIntegration(ci CommentIntegration) error {
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO comment_integrations (remote_comment_id, comment_id) VALUES (?, ?)`,
		ci.RemoteCommentID, ci.CommentID)
	if err != nil {
		return fmt.Errorf("creating comment integration: %w", err)
	}
	return nil
}

// GetCommentIntegration returns the mapping for the remote comment id.
func (db *DB) GetCommentIntegration(remoteCommentID int64) (CommentIntegration, error) {
	row := db.conn.QueryRow(`
		SELECT remote_comment_id, comment_id FROM comment_integrations WHERE remote_comment_id = ?`,
		remoteCommentID)
	var ci CommentIntegration
	err := row.Scan(&ci.RemoteCommentID, &ci.CommentID)
	if errors.Is(err, sql.ErrNoRows) {
		return CommentIntegration{}, apperror.NotFound("comment integration", remoteCommentID)
	}
	if err != nil {
		return CommentIntegration{}, fmt.Errorf("getting comment integration: %w", err)
	}
	return ci, nil
}

// DeleteCommentIntegration removes the mapping and the mapped local comment,
// inside one transaction.
func (db *DB) DeleteCommentIntegration(remoteCommentID int64) error {
	return db.tx(func(tx *sql.Tx) error {
		var commentID string
		err := tx.QueryRow(`SELECT comment_id FROM comment_integrations WHERE remote_comment_id = ?`, remoteCommentID).Scan(&commentID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("comment integration", remoteCommentID)
		}
		if err != nil {
			return fmt.Errorf("getting comment integration: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM comment_integrations WHERE remote_comment_id = ?`, remoteCommentID); err != nil {
			return fmt.Errorf("deleting comment integration: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM comments WHERE id = ?`, commentID); err != nil {
			return fmt.Errorf("deleting comment: %w", err)
		}
		return nil
	})
}
