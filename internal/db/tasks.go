package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vernite/vernite/internal/apperror"
)

// The task-management subsystem proper lives outside this engine; this file
// carries the minimal slice of it the sync handlers read and mutate.

// SystemUsername is the reserved user that owns webhook-created tasks and
// comments.
const SystemUsername = "vernite-bot"

type User struct {
	ID       string
	Name     string
	Username string
	Email    string
}

type Project struct {
	ID   string
	Name string
}

// Status is a project workflow status. The engine only distinguishes the
// begin status (open) and the final status (closed).
type Status struct {
	ID        string
	ProjectID string
	Name      string
	IsBegin   bool
	IsFinal   bool
	Ordinal   int
}

type Task struct {
	ID          string
	ProjectID   string
	Number      int64
	Title       string
	Description string
	StatusID    string
	AssigneeID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnsureSystemUser returns the reserved system user, creating it if absent.
func (db *DB) EnsureSystemUser() (User, error) {
	u, err := db.GetUserByUsername(SystemUsername)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return User{}, err
	}
	u = User{ID: uuid.New().String(), Name: "Vernite Bot", Username: SystemUsername, Email: "bot@vernite.dev"}
	_, err = db.conn.Exec(`INSERT INTO users (id, name, username, email) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Username, u.Email)
	if err != nil {
		return User{}, fmt.Errorf("creating system user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a local user.
func (db *DB) CreateUser(u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	_, err := db.conn.Exec(`INSERT INTO users (id, name, username, email) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Username, u.Email)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns the user with the given username.
func (db *DB) GetUserByUsername(username string) (User, error) {
	row := db.conn.QueryRow(`SELECT id, name, username, email FROM users WHERE username = ?`, username)
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Username, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperror.NotFound("user", username)
	}
	if err != nil {
		return User{}, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// CreateProject inserts a project with its begin and final statuses.
func (db *DB) CreateProject(name string) (Project, error) {
	p := Project{ID: uuid.New().String(), Name: name}
	err := db.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO projects (id, name) VALUES (?, ?)`, p.ID, p.Name); err != nil {
			return fmt.Errorf("creating project: %w", err)
		}
		statuses := []Status{
			{ID: uuid.New().String(), ProjectID: p.ID, Name: "To Do", IsBegin: true, Ordinal: 0},
			{ID: uuid.New().String(), ProjectID: p.ID, Name: "In Progress", Ordinal: 1},
			{ID: uuid.New().String(), ProjectID: p.ID, Name: "Done", IsFinal: true, Ordinal: 2},
		}
		for _, s := range statuses {
			if _, err := tx.Exec(`INSERT INTO statuses (id, project_id, name, is_begin, is_final, ordinal) VALUES (?, ?, ?, ?, ?, ?)`,
				s.ID, s.ProjectID, s.Name, s.IsBegin, s.IsFinal, s.Ordinal); err != nil {
				return fmt.Errorf("creating status: %w", err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO task_counters (project_id, value) VALUES (?, 0)`, p.ID); err != nil {
			return fmt.Errorf("creating task counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// GetProject returns the project with the given id.
func (db *DB) GetProject(id string) (Project, error) {
	row := db.conn.QueryRow(`SELECT id, name FROM projects WHERE id = ?`, id)
	var p Project
	err := row.Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, apperror.NotFound("project", id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("getting project: %w", err)
	}
	return p, nil
}

// AddProjectMember adds the user to the project's member list.
func (db *DB) AddProjectMember(projectID, userID string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)`, projectID, userID)
	if err != nil {
		return fmt.Errorf("adding project member: %w", err)
	}
	return nil
}

// IsProjectMember reports whether the user belongs to the project.
func (db *DB) IsProjectMember(projectID, userID string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking project membership: %w", err)
	}
	return n > 0, nil
}

// BeginStatus returns the project's designated begin status.
func (db *DB) BeginStatus(projectID string) (Status, error) {
	return db.statusWhere(projectID, "is_begin = 1")
}

// FinalStatus returns the project's designated final status.
func (db *DB) FinalStatus(projectID string) (Status, error) {
	return db.statusWhere(projectID, "is_final = 1")
}

func (db *DB) statusWhere(projectID, cond string) (Status, error) {
	row := db.conn.QueryRow(`
		SELECT id, project_id, name, is_begin, is_final, ordinal
		FROM statuses WHERE project_id = ? AND `+cond+` ORDER BY ordinal LIMIT 1`, projectID)
	var s Status
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.IsBegin, &s.IsFinal, &s.Ordinal)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, apperror.NotFound("status for project", projectID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("getting status: %w", err)
	}
	return s, nil
}

// GetStatus returns the status with the given id.
func (db *DB) GetStatus(id string) (Status, error) {
	row := db.conn.QueryRow(`SELECT id, project_id, name, is_begin, is_final, ordinal FROM statuses WHERE id = ?`, id)
	var s Status
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.IsBegin, &s.IsFinal, &s.Ordinal)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, apperror.NotFound("status", id)
	}
	if err != nil {
		return Status{}, fmt.Errorf("getting status: %w", err)
	}
	return s, nil
}

// NextTaskNumber atomically increments and returns the project's task
// sequence number.
func (db *DB) NextTaskNumber(projectID string) (int64, error) {
	var n int64
	err := db.conn.QueryRow(`
		INSERT INTO task_counters (project_id, value) VALUES (?, 1)
		ON CONFLICT(project_id) DO UPDATE SET value = value + 1
		RETURNING value`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incrementing task counter: %w", err)
	}
	return n, nil
}

const taskCols = `id, project_id, number, title, description, status_id, assignee_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var created, updated string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Number, &t.Title, &t.Description, &t.StatusID, &t.AssigneeID, &created, &updated)
	if err != nil {
		return Task{}, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

// CreateTask inserts a task. When Number is zero the project's counter is
// consulted first.
func (db *DB) CreateTask(t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Number == 0 {
		n, err := db.NextTaskNumber(t.ProjectID)
		if err != nil {
			return Task{}, err
		}
		t.Number = n
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := db.conn.Exec(`
		INSERT INTO tasks (id, project_id, number, title, description, status_id, assignee_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Number, t.Title, t.Description, t.StatusID, t.AssigneeID,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return Task{}, fmt.Errorf("creating task: %w", err)
	}
	return t, nil
}

// CreateTaskWithIntegration inserts a task together with its remote mapping
// in one transaction. When a mapping for the same remote number already
// exists the whole insert rolls back and created is false, so two racing
// deliveries of the same open event cannot leave an orphaned duplicate task.
func (db *DB) CreateTaskWithIntegration(t Task, ti TaskIntegration) (Task, bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	errDuplicate := errors.New("duplicate mapping")
	err := db.tx(func(tx *sql.Tx) error {
		if t.Number == 0 {
			if err := tx.QueryRow(`
				INSERT INTO task_counters (project_id, value) VALUES (?, 1)
				ON CONFLICT(project_id) DO UPDATE SET value = value + 1
				RETURNING value`, t.ProjectID).Scan(&t.Number); err != nil {
				return fmt.Errorf("incrementing task counter: %w", err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO tasks (id, project_id, number, title, description, status_id, assignee_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.Number, t.Title, t.Description, t.StatusID, t.AssigneeID,
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt)); err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO task_integrations (task_id, integration_id, type, issue_number, merged)
			VALUES (?, ?, ?, ?, ?)`,
			t.ID, ti.IntegrationID, ti.Type, ti.IssueNumber, ti.Merged)
		if err != nil {
			return fmt.Errorf("creating task integration: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errDuplicate
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// GetTask returns the task with the given id.
func (db *DB) GetTask(id string) (Task, error) {
	row := db.conn.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, apperror.NotFound("task", id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

// GetTaskByNumber returns the task with the given per-project number.
func (db *DB) GetTaskByNumber(projectID string, number int64) (Task, error) {
	row := db.conn.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE project_id = ? AND number = ?`, projectID, number)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, apperror.NotFound("task", number)
	}
	if err != nil {
		return Task{}, fmt.Errorf("getting task by number: %w", err)
	}
	return t, nil
}

// UpdateTaskContent replaces the task's title and description.
func (db *DB) UpdateTaskContent(id, title, description string) error {
	res, err := db.conn.Exec(`UPDATE tasks SET title = ?, description = ?, updated_at = ? WHERE id = ?`,
		title, description, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("task", id)
	}
	return nil
}

// SetTaskAssignee sets or clears (empty id) the task's assignee.
func (db *DB) SetTaskAssignee(id, assigneeID string) error {
	res, err := db.conn.Exec(`UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`,
		assigneeID, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating task assignee: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("task", id)
	}
	return nil
}

// SetTaskOpen drives the two-state open/closed machine. Opening moves the
// task to the project's begin status only when its current status is final;
// closing moves it to the final status only when not already final.
func (db *DB) SetTaskOpen(id string, open bool) error {
	task, err := db.GetTask(id)
	if err != nil {
		return err
	}
	current, err := db.GetStatus(task.StatusID)
	if err != nil {
		return err
	}

	var target Status
	if open {
		if !current.IsFinal {
			return nil
		}
		target, err = db.BeginStatus(task.ProjectID)
	} else {
		if current.IsFinal {
			return nil
		}
		target, err = db.FinalStatus(task.ProjectID)
	}
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`UPDATE tasks SET status_id = ?, updated_at = ? WHERE id = ?`,
		target.ID, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return nil
}

// TaskOpen reports whether the task's current status is non-final.
func (db *DB) TaskOpen(id string) (bool, error) {
	task, err := db.GetTask(id)
	if err != nil {
		return false, err
	}
	status, err := db.GetStatus(task.StatusID)
	if err != nil {
		return false, err
	}
	return !status.IsFinal, nil
}

// DeleteTaskWithIntegrations removes the task, its mappings and its comments
// inside one transaction.
func (db *DB) DeleteTaskWithIntegrations(id string) error {
	return db.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM task_integrations WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("deleting task integrations: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM comment_integrations WHERE comment_id IN (SELECT id FROM comments WHERE task_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting comment integrations: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM comments WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("deleting comments: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.NotFound("task", id)
		}
		return nil
	})
}

// CreateComment inserts a comment on a task.
func (db *DB) CreateComment(c Comment) (Comment, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := db.conn.Exec(`
		INSERT INTO comments (id, task_id, author_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AuthorID, c.Content, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return Comment{}, fmt.Errorf("creating comment: %w", err)
	}
	return c, nil
}

// GetComment returns the comment with the given id.
func (db *DB) GetComment(id string) (Comment, error) {
	row := db.conn.QueryRow(`SELECT id, task_id, author_id, content, created_at, updated_at FROM comments WHERE id = ?`, id)
	var c Comment
	var created, updated string
	err := row.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Content, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, apperror.NotFound("comment", id)
	}
	if err != nil {
		return Comment{}, fmt.Errorf("getting comment: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// UpdateCommentContent replaces the comment body.
func (db *DB) UpdateCommentContent(id, content string) error {
	res, err := db.conn.Exec(`UPDATE comments SET content = ?, updated_at = ? WHERE id = ?`,
		content, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("comment", id)
	}
	return nil
}
