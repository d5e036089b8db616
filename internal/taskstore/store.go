package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

// Store provides SQLite-backed history of finished tasks
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTask inserts or replaces the snapshot of a task
func (s *Store) RecordTask(task domain.Task) error {
	snapshot, err := json.Marshal(task)
	if err != nil {
		return err
	}

	var agentKind, errorKind string
	var tokensIn, tokensOut int
	var cost float64
	if task.Result != nil {
		agentKind = task.Result.AgentKind
		cost = task.Result.CostUSD
		if task.Result.Usage != nil {
			tokensIn = task.Result.Usage.InputTokens
			tokensOut = task.Result.Usage.OutputTokens
		}
	}
	if task.Error != nil {
		errorKind = string(task.Error.Kind)
		if agentKind == "" {
			agentKind = task.Error.AgentKind
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO task_history (id, kind, description, priority, status, agent_kind, error_kind,
			created_at, started_at, completed_at, tokens_input, tokens_output, cost_usd, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			agent_kind = excluded.agent_kind,
			error_kind = excluded.error_kind,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			tokens_input = excluded.tokens_input,
			tokens_output = excluded.tokens_output,
			cost_usd = excluded.cost_usd,
			snapshot = excluded.snapshot
	`,
		task.ID,
		task.Kind,
		task.Description,
		task.Priority.String(),
		string(task.Status),
		agentKind,
		errorKind,
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		tokensIn,
		tokensOut,
		cost,
		string(snapshot),
	)
	return err
}

// GetTask retrieves a recorded task by ID
func (s *Store) GetTask(id string) (domain.Task, error) {
	var snapshot string
	err := s.db.QueryRow(`SELECT snapshot FROM task_history WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, &domain.TaskNotFoundError{ID: id}
	}
	if err != nil {
		return domain.Task{}, err
	}
	return decode(snapshot)
}

// ListOptions specifies filters for listing history
type ListOptions struct {
	Status domain.TaskStatus
	Kind   string
	Limit  int
}

// ListRecent returns recorded tasks, most recently finished first
func (s *Store) ListRecent(opts ListOptions) ([]domain.Task, error) {
	query := `SELECT snapshot FROM task_history WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	query += " ORDER BY completed_at DESC, created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		task, err := decode(snapshot)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Summary aggregates the recorded history
type Summary struct {
	ByStatus     map[domain.TaskStatus]int `json:"by_status"`
	TokensInput  int                       `json:"tokens_input"`
	TokensOutput int                       `json:"tokens_output"`
	CostUSD      float64                   `json:"cost_usd"`
}

// Summarize returns counts per status and total usage
func (s *Store) Summarize() (Summary, error) {
	sum := Summary{ByStatus: make(map[domain.TaskStatus]int)}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM task_history GROUP BY status`)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return sum, err
		}
		sum.ByStatus[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0), COALESCE(SUM(cost_usd), 0)
		FROM task_history
	`).Scan(&sum.TokensInput, &sum.TokensOutput, &sum.CostUSD)
	return sum, err
}

func decode(snapshot string) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal([]byte(snapshot), &task); err != nil {
		return domain.Task{}, fmt.Errorf("decoding task snapshot: %w", err)
	}
	return task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
