// Package registry keeps a ledger of pipeline runs in a libsql database.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// ErrNotFound is returned when a run id is not in the ledger.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one row of the ledger.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	DataPath   string
	OutputDir  string
	Labels     []string
	Accuracy   *float64
	Status     Status
	Error      string
	RepoID     string
}

// Registry stores runs.
type Registry struct {
	db *sql.DB
}

// Open connects to dsn and creates the runs table if needed. A plain path
// is opened as a local file database; libsql:// and http(s):// URLs go to a
// remote server, with authToken added to the query when set.
func Open(dsn, authToken string) (*Registry, error) {
	dbURL, err := resolveDSN(dsn, authToken)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("libsql", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open run registry: %w", err)
	}
	r := &Registry{db: db}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("Run registry ready", "dsn", dsn)
	return r, nil
}

func resolveDSN(dsn, authToken string) (string, error) {
	switch {
	case dsn == "":
		return "", fmt.Errorf("registry dsn is empty")
	case strings.HasPrefix(dsn, "file:"):
		return dsn, nil
	case strings.Contains(dsn, "://"):
		if authToken == "" {
			return dsn, nil
		}
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid registry url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return "", fmt.Errorf("could not create registry directory: %w", err)
		}
		return "file:" + dsn, nil
	}
}

func (r *Registry) init() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		data_path TEXT,
		output_dir TEXT,
		labels TEXT,
		accuracy REAL,
		status TEXT NOT NULL,
		error TEXT,
		repo_id TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Start records a new running run and returns it.
func (r *Registry) Start(dataPath, outputDir string) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		DataPath:  dataPath,
		OutputDir: outputDir,
		Status:    StatusRunning,
	}
	_, err := r.db.Exec(
		"INSERT INTO runs (id, started_at, data_path, output_dir, status) VALUES (?, ?, ?, ?, ?)",
		run.ID.String(), formatTime(run.StartedAt), run.DataPath, run.OutputDir, string(run.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// Finish marks a run succeeded with its label set and final accuracy.
// accuracy may be nil when no evaluation ran.
func (r *Registry) Finish(id uuid.UUID, labels []string, accuracy *float64) error {
	b, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	var acc sql.NullFloat64
	if accuracy != nil {
		acc = sql.NullFloat64{Float64: *accuracy, Valid: true}
	}
	return r.update(id, "UPDATE runs SET status = ?, finished_at = ?, labels = ?, accuracy = ? WHERE id = ?",
		string(StatusSucceeded), formatTime(time.Now().UTC()), string(b), acc, id.String())
}

// Fail marks a run failed with the error that stopped it.
func (r *Registry) Fail(id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.update(id, "UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?",
		string(StatusFailed), formatTime(time.Now().UTC()), msg, id.String())
}

// MarkPublished records the hub repository a run was uploaded to.
func (r *Registry) MarkPublished(id uuid.UUID, repoID string) error {
	return r.update(id, "UPDATE runs SET repo_id = ? WHERE id = ?", repoID, id.String())
}

func (r *Registry) update(id uuid.UUID, query string, args ...any) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectRuns = "SELECT id, started_at, finished_at, data_path, output_dir, labels, accuracy, status, error, repo_id FROM runs"

// Get returns one run.
func (r *Registry) Get(id uuid.UUID) (*Run, error) {
	rows, err := r.db.Query(selectRuns+" WHERE id = ?", id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return scanRun(rows)
}

// List returns every run, newest first.
func (r *Registry) List() ([]Run, error) {
	rows, err := r.db.Query(selectRuns + " ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		run                           Run
		id, started, status           string
		finished, dataPath, outputDir sql.NullString
		labels, errMsg, repoID        sql.NullString
		accuracy                      sql.NullFloat64
	)
	if err := rows.Scan(&id, &started, &finished, &dataPath, &outputDir, &labels, &accuracy, &status, &errMsg, &repoID); err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid && finished.String != "" {
		if run.FinishedAt, err = parseTime(finished.String); err != nil {
			return nil, err
		}
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &run.Labels); err != nil {
			return nil, fmt.Errorf("invalid labels for run %s: %w", id, err)
		}
	}
	if accuracy.Valid {
		a := accuracy.Float64
		run.Accuracy = &a
	}
	run.DataPath = dataPath.String
	run.OutputDir = outputDir.String
	run.Status = Status(status)
	run.Error = errMsg.String
	run.RepoID = repoID.String
	return &run, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
