// Copyright 2026 The Atelier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    principal_id VARCHAR(255) NOT NULL,
    type VARCHAR(64) NOT NULL,
    payload TEXT,
    status VARCHAR(16) NOT NULL,
    result_ref TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// Separate statement for SQLite compatibility. The composite index backs
// the HasActive query on (principal_id, status).
const createTasksIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_tasks_principal_status ON tasks(principal_id, status)`

// activeGuardIndex is the name of the unique index enforcing one
// non-terminal task per principal. Violations of it during Create map
// to ErrActiveConflict.
const activeGuardIndex = "idx_tasks_principal_active"

// Partial unique index over non-terminal rows. Postgres and SQLite
// support the WHERE form; MySQL needs a functional index that collapses
// terminal rows to NULL, which a unique index never collides on.
const createActiveGuardSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_principal_active
ON tasks(principal_id) WHERE status IN ('pending', 'processing')`

const createActiveGuardMySQL = `
CREATE UNIQUE INDEX idx_tasks_principal_active
ON tasks ((CASE WHEN status IN ('pending', 'processing') THEN principal_id END))`

// SQLStore implements Store on a SQL database. Supported dialects:
// sqlite, postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates a SQL-backed task store and bootstraps its schema.
// The db connection should be shared with other services using the same
// database to avoid SQLite lock contention.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	normalized := dialect
	if dialect == "sqlite3" {
		normalized = "sqlite"
	}
	switch normalized {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &SQLStore{db: db, dialect: normalized}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createTasksTableSQL); err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createTasksIndexSQL); err != nil {
		return fmt.Errorf("failed to create tasks index: %w", err)
	}

	guard := createActiveGuardSQL
	if s.dialect == "mysql" {
		guard = createActiveGuardMySQL
	}
	// MySQL has no IF NOT EXISTS for CREATE INDEX; a rerun surfaces as a
	// duplicate-key-name error, which is fine.
	if _, err := s.db.ExecContext(ctx, guard); err != nil && !isIndexExistsErr(err) {
		return fmt.Errorf("failed to create active guard index: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}
	if t.Status != StatusPending {
		return fmt.Errorf("new task must be pending, got %s", t.Status)
	}

	// The conditional insert rejects most concurrent submissions for the
	// same principal in one statement, but under READ COMMITTED both
	// racers can snapshot before either row is visible, so the unique
	// guard index is the real arbiter: the loser's insert fails with a
	// unique violation mapped to ErrActiveConflict below. The derived
	// table keeps the SELECT ... WHERE form portable to MySQL.
	query := s.rebind(`
INSERT INTO tasks (id, principal_id, type, payload, status, result_ref, error_message, created_at, updated_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
FROM (SELECT 1) AS guard
WHERE NOT EXISTS (
    SELECT 1 FROM tasks WHERE principal_id = ? AND status IN (?, ?)
)`)

	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.PrincipalID, t.Type, string(t.Payload), string(t.Status),
		t.ResultRef, t.ErrorMessage, t.CreatedAt, t.UpdatedAt,
		t.PrincipalID, string(StatusPending), string(StatusProcessing))
	if err != nil {
		if isActiveGuardErr(err) {
			return fmt.Errorf("%w: %s", ErrActiveConflict, t.PrincipalID)
		}
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read create result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrActiveConflict, t.PrincipalID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	query := s.rebind(`
SELECT id, principal_id, type, payload, status, result_ref, error_message, created_at, updated_at
FROM tasks WHERE id = ?`)

	var t Task
	var payload, status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.PrincipalID, &t.Type, &payload, &status,
		&t.ResultRef, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if payload != "" {
		t.Payload = []byte(payload)
	}
	t.Status = Status(status)
	return &t, nil
}

func (s *SQLStore) HasActive(ctx context.Context, principalID string) (bool, error) {
	query := s.rebind(`
SELECT COUNT(1) FROM tasks WHERE principal_id = ? AND status IN (?, ?)`)

	var n int
	err := s.db.QueryRowContext(ctx, query, principalID,
		string(StatusPending), string(StatusProcessing)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query active tasks: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (bool, error) {
	if from.IsTerminal() {
		// Terminal statuses absorb transitions.
		return false, nil
	}

	var u transitionUpdate
	for _, opt := range opts {
		opt(&u)
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}
	if u.resultRef != nil {
		set = append(set, "result_ref = ?")
		args = append(args, *u.resultRef)
	}
	if u.errorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *u.errorMessage)
	}
	args = append(args, id, string(from))

	query := s.rebind(fmt.Sprintf(
		`UPDATE tasks SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", ")))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) ListStuck(ctx context.Context, status Status, olderThan time.Duration) ([]*Task, error) {
	query := s.rebind(`
SELECT id, principal_id, type, payload, status, result_ref, error_message, created_at, updated_at
FROM tasks WHERE status = ? AND updated_at < ?
ORDER BY updated_at`)

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, query, string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var payload, status string
		if err := rows.Scan(&t.ID, &t.PrincipalID, &t.Type, &payload, &status,
			&t.ResultRef, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stuck task: %w", err)
		}
		if payload != "" {
			t.Payload = []byte(payload)
		}
		t.Status = Status(status)
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// isActiveGuardErr detects violations of the one-active-task guard
// index. All three drivers include the index name in the error text.
func isActiveGuardErr(err error) bool {
	return strings.Contains(err.Error(), activeGuardIndex)
}

// isDuplicateKeyErr detects primary-key violations across the supported
// drivers without importing their error types.
func isDuplicateKeyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "primary key")
}

// isIndexExistsErr matches the rerun errors for CREATE INDEX on
// dialects without IF NOT EXISTS.
func isIndexExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key name") ||
		strings.Contains(msg, "already exists")
}
