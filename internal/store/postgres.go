package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"taskboard/internal/access"
	"taskboard/internal/progress"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, login, password_hash)
		VALUES ($1, $2, $3)
		RETURNING completed_count, created_at
	`, user.ID, user.Login, user.PasswordHash).Scan(&user.CompletedCount, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrDuplicateLogin
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByLogin(ctx context.Context, login string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, completed_count, created_at FROM users WHERE login=$1
	`, login))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, login, password_hash, completed_count, created_at FROM users WHERE id=$1
	`, userID))
}

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Login, &user.PasswordHash, &user.CompletedCount, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO tasks (id, title, description, status, created_by, version)
		VALUES ($1, $2, $3, 'todo', $4, 1)
		RETURNING status, version, created_at, updated_at
	`, task.ID, task.Title, task.Description, task.CreatedBy).Scan(&task.Status, &task.Version, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participations (task_id, user_id, joined_at) VALUES ($1, $2, $3)
	`, task.ID, task.CreatedBy, task.CreatedAt); err != nil {
		return Task{}, fmt.Errorf("insert creator participation: %w", err)
	}
	created, err := loadTask(ctx, tx, task.ID, false)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit create task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return loadTask(ctx, s.db, taskID, false)
}

func (s *PostgresStore) ListTasksForUser(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.status, t.created_by, u.login, t.version, t.created_at, t.updated_at
		FROM tasks t
		JOIN participations p ON p.task_id = t.id AND p.user_id = $1
		JOIN users u ON u.id = t.created_by
		ORDER BY t.created_at DESC, t.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	index := make(map[string]int)
	ids := make([]string, 0)
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &task.Status, &task.CreatedBy, &task.CreatedByLogin, &task.Version, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		index[task.ID] = len(tasks)
		ids = append(ids, task.ID)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	if len(ids) == 0 {
		return tasks, nil
	}

	parts, err := listParticipations(ctx, s.db, `WHERE p.task_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		i := index[p.TaskID]
		tasks[i].Participants = append(tasks[i].Participants, p)
	}
	return tasks, nil
}

func (s *PostgresStore) ShareTask(ctx context.Context, taskID, actorID string, logins []string) (ShareResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ShareResult{}, fmt.Errorf("begin share task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := loadTask(ctx, tx, taskID, true)
	if err != nil {
		return ShareResult{}, err
	}
	if !access.Can(task.Relation(actorID), access.ActionShare) {
		return ShareResult{}, ErrPermissionDenied
	}
	if task.Status == progress.StatusDone {
		return ShareResult{}, ErrTaskDone
	}

	var actorLogin string
	if err := tx.QueryRowContext(ctx, `SELECT login FROM users WHERE id=$1`, actorID).Scan(&actorLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareResult{}, ErrNotFound
		}
		return ShareResult{}, fmt.Errorf("read actor: %w", err)
	}

	added := make([]string, 0)
	for _, login := range normalizeLogins(logins, actorLogin) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO participations (task_id, user_id)
			SELECT $1, u.id FROM users u WHERE u.login = $2
			ON CONFLICT (task_id, user_id) DO NOTHING
		`, taskID, login)
		if err != nil {
			return ShareResult{}, fmt.Errorf("share with %s: %w", login, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, login)
		}
	}
	if len(added) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET version = version + 1, updated_at = NOW() WHERE id=$1`, taskID); err != nil {
			return ShareResult{}, fmt.Errorf("bump task version: %w", err)
		}
	}

	shared, err := loadTask(ctx, tx, taskID, false)
	if err != nil {
		return ShareResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ShareResult{}, fmt.Errorf("commit share task: %w", err)
	}
	return ShareResult{Task: shared, Added: added}, nil
}

// CompleteTask marks the user's participation complete and, when that was
// the last open participation, flips the task to done and credits every
// participant in the same transaction.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID, userID string) (CompletionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("begin complete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := loadTask(ctx, tx, taskID, true)
	if err != nil {
		return CompletionResult{}, err
	}
	if task.Status == progress.StatusDone {
		if err := tx.Commit(); err != nil {
			return CompletionResult{}, fmt.Errorf("commit complete task: %w", err)
		}
		return CompletionResult{Task: task, Progress: task.Progress()}, nil
	}

	result := CompletionResult{}
	now := time.Now().UTC()
	current, participates := task.Participation(userID)
	switch {
	case !participates:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO participations (task_id, user_id, completed, completed_at, joined_at)
			SELECT $1, u.id, TRUE, $3, $3 FROM users u WHERE u.id = $2
		`, taskID, userID, now)
		if err != nil {
			return CompletionResult{}, fmt.Errorf("enroll participant: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return CompletionResult{}, ErrNotFound
		}
		result.Changed = true
		result.Enrolled = true
	case !current.Completed:
		if _, err := tx.ExecContext(ctx, `
			UPDATE participations SET completed = TRUE, completed_at = $3
			WHERE task_id = $1 AND user_id = $2
		`, taskID, userID, now); err != nil {
			return CompletionResult{}, fmt.Errorf("mark participation complete: %w", err)
		}
		result.Changed = true
	}

	if result.Changed {
		parts, err := listParticipations(ctx, tx, `WHERE p.task_id = $1`, taskID)
		if err != nil {
			return CompletionResult{}, err
		}
		task.Participants = parts
		status := task.Status
		if task.Progress().Done() {
			status = progress.StatusDone
			if _, err := tx.ExecContext(ctx, `
				UPDATE users SET completed_count = completed_count + 1
				WHERE id IN (SELECT user_id FROM participations WHERE task_id = $1)
			`, taskID); err != nil {
				return CompletionResult{}, fmt.Errorf("credit participants: %w", err)
			}
			result.Transitioned = true
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $2, version = version + 1, updated_at = $3 WHERE id = $1
		`, taskID, status, now); err != nil {
			return CompletionResult{}, fmt.Errorf("update task status: %w", err)
		}
		task, err = loadTask(ctx, tx, taskID, false)
		if err != nil {
			return CompletionResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CompletionResult{}, fmt.Errorf("commit complete task: %w", err)
	}
	result.Task = task
	result.Progress = task.Progress()
	return result, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := loadTask(ctx, tx, taskID, true)
	if err != nil {
		return err
	}
	if !access.Can(task.Relation(actorID), access.ActionDelete) {
		return ErrPermissionDenied
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM participations WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("delete participations: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete task: %w", err)
	}
	return nil
}

// loadTask reads a task with its participations. forUpdate takes the row lock
// that serializes mutations of one task.
func loadTask(ctx context.Context, q queryer, taskID string, forUpdate bool) (Task, error) {
	query := `
		SELECT t.id, t.title, t.description, t.status, t.created_by, u.login, t.version, t.created_at, t.updated_at
		FROM tasks t
		JOIN users u ON u.id = t.created_by
		WHERE t.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF t`
	}
	var task Task
	err := q.QueryRowContext(ctx, query, taskID).Scan(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.CreatedBy,
		&task.CreatedByLogin, &task.Version, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("read task: %w", err)
	}
	parts, err := listParticipations(ctx, q, `WHERE p.task_id = $1`, taskID)
	if err != nil {
		return Task{}, err
	}
	task.Participants = parts
	return task, nil
}

func listParticipations(ctx context.Context, q queryer, where string, arg any) ([]Participation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.task_id, p.user_id, u.login, p.completed, p.completed_at, p.joined_at
		FROM participations p
		JOIN users u ON u.id = p.user_id
		`+where+`
		ORDER BY p.joined_at ASC, u.login ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	defer rows.Close()

	parts := make([]Participation, 0)
	for rows.Next() {
		var p Participation
		var completedAt sql.NullTime
		if err := rows.Scan(&p.TaskID, &p.UserID, &p.Login, &p.Completed, &completedAt, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participation: %w", err)
		}
		if completedAt.Valid {
			at := completedAt.Time
			p.CompletedAt = &at
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participations: %w", err)
	}
	return parts, nil
}
