package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"protracker/board"
	"protracker/domain"
)

const maxStatusAttempts = 5

// SQLite is a single-file backend for offline use and tests.
type SQLite struct {
	db     *sql.DB
	owner  string
	logger *log.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string, logger *log.Logger) (*SQLite, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// As returns a handle that resolves "my-tasks" for userID. It shares the
// underlying connection.
func (s *SQLite) As(userID string) *SQLite {
	cp := *s
	cp.owner = userID
	return &cp
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'yts',
		priority TEXT,
		assigned_to TEXT,
		due_date DATETIME,
		is_recurring INTEGER NOT NULL DEFAULT 0,
		recurrence TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		brand_id TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		department TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_activities_entity ON activities(entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTask inserts or replaces a task. Missing ids are generated.
func (s *SQLite) SaveTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusYetToStart
	}
	if !t.Status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, t.Status)
	}
	now := time.Now().UTC()
	if t.CreatedAt == nil {
		t.CreatedAt = &now
	}
	t.UpdatedAt = &now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, project_id, status, priority, assigned_to, due_date, is_recurring, recurrence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			project_id = excluded.project_id,
			status = excluded.status,
			priority = excluded.priority,
			assigned_to = excluded.assigned_to,
			due_date = excluded.due_date,
			is_recurring = excluded.is_recurring,
			recurrence = excluded.recurrence,
			version = tasks.version + 1,
			updated_at = excluded.updated_at`,
		t.ID, t.Title, nullString(t.Description), t.ProjectID, string(t.Status), nullString(string(t.Priority)),
		nullString(t.AssignedTo.UserID()), nullTime(t.DueDate), t.IsRecurring, nullString(t.Recurrence),
		*t.CreatedAt, now,
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("save task: %w", err)
	}
	return t, nil
}

// SaveProject inserts or replaces a project's metadata.
func (s *SQLite) SaveProject(ctx context.Context, p domain.Project) error {
	if p.ID == "" {
		return errors.New("project id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, brand_id, company, department) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			brand_id = excluded.brand_id,
			company = excluded.company,
			department = excluded.department`,
		p.ID, p.Name, p.BrandID, p.Company, p.Department)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

// Projects returns every known project keyed by id.
func (s *SQLite) Projects(ctx context.Context) (map[string]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, brand_id, company, department FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Project)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.BrandID, &p.Company, &p.Department); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// GetTask returns ErrTaskNotFound for unknown ids.
func (s *SQLite) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

func (s *SQLite) getTask(ctx context.Context, id string) (domain.Task, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, version, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, version, err
}

// FetchView answers a view key with the matching tasks, oldest first.
func (s *SQLite) FetchView(ctx context.Context, key board.ViewKey) ([]domain.Task, error) {
	q, err := parseView(key, s.owner)
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if q.projectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, q.projectID)
	}
	if q.status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.status))
	}
	if q.assignee != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, q.assignee)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query view %s: %w", key, err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateStatus moves a task, retrying when another writer bumped its version
// between the read and the write.
func (s *SQLite) UpdateStatus(ctx context.Context, taskID string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	for attempt := 1; ; attempt++ {
		_, version, err := s.getTask(ctx, taskID)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
			string(status), time.Now().UTC(), taskID, version)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		if attempt >= maxStatusAttempts {
			return fmt.Errorf("%w: task %s", ErrConcurrencyConflict, taskID)
		}
		s.logger.WithFields(log.Fields{"task": taskID, "attempt": attempt}).Debug("status update lost a version race; retrying")
	}
}

// Publish appends an activity to the local feed.
func (s *SQLite) Publish(ctx context.Context, env domain.ActivityEnvelope) error {
	a := env.Activity
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, entity_type, entity_id, type, data, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, env.UserID, a.EntityType, a.EntityID, a.Type, nullString(string(a.Data)), a.Timestamp)
	return err
}

// Activities lists the feed for one entity, oldest first.
func (s *SQLite) Activities(ctx context.Context, entityID string) ([]domain.ActivityEnvelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, entity_type, entity_id, type, data, timestamp FROM activities WHERE entity_id = ? ORDER BY timestamp, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActivityEnvelope
	for rows.Next() {
		var (
			env  domain.ActivityEnvelope
			data sql.NullString
		)
		a := &env.Activity
		if err := rows.Scan(&a.ID, &env.UserID, &a.EntityType, &a.EntityID, &a.Type, &data, &a.Timestamp); err != nil {
			return nil, err
		}
		if data.Valid {
			a.Data = sonic.NoCopyRawMessage(data.String)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

const taskColumns = `id, title, description, project_id, status, priority, assigned_to, due_date, is_recurring, recurrence, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, int64, error) {
	var (
		t                               domain.Task
		description, priority, assignee sql.NullString
		recurrence                      sql.NullString
		status                          string
		due                             sql.NullTime
		created, updated                time.Time
		version                         int64
	)
	if err := row.Scan(&t.ID, &t.Title, &description, &t.ProjectID, &status, &priority, &assignee,
		&due, &t.IsRecurring, &recurrence, &version, &created, &updated); err != nil {
		return domain.Task{}, 0, err
	}
	t.Description = description.String
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority.String)
	t.AssignedTo = domain.AssigneeRef(assignee.String)
	t.Recurrence = recurrence.String
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	t.CreatedAt = &created
	t.UpdatedAt = &updated
	return t, version, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
