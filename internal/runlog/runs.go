// Package runlog records export runs and per-archive state in the local
// ledger database.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

type Run struct {
	ID               string  `json:"id"`
	StartedAt        int64   `json:"started_at"`
	FinishedAt       *int64  `json:"finished_at,omitempty"`
	ChatDB           string  `json:"chat_db"`
	OutputDir        string  `json:"output_dir"`
	Status           string  `json:"status"`
	ChatsSelected    int     `json:"chats_selected"`
	ChatsRendered    int     `json:"chats_rendered"`
	ChatsFailed      int     `json:"chats_failed"`
	Messages         int     `json:"messages"`
	ReactionsDropped int     `json:"reactions_dropped"`
	Error            *string `json:"error,omitempty"`
}

// Outcome is what an export reports when it finishes.
type Outcome struct {
	Status           string
	ChatsSelected    int
	ChatsRendered    int
	ChatsFailed      int
	Messages         int
	ReactionsDropped int
	Err              error
}

// Start records a new running export and returns its id.
func Start(db *sql.DB, chatDB, outputDir string) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec(`
		INSERT INTO export_runs (id, started_at, chat_db, output_dir, status)
		VALUES (?, ?, ?, ?, ?)
	`, id, time.Now().Unix(), chatDB, outputDir, StatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to insert export run: %w", err)
	}
	return id, nil
}

// Finish stamps the outcome of a run.
func Finish(db *sql.DB, id string, o Outcome) error {
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	var errVal any
	if o.Err != nil {
		errVal = o.Err.Error()
	}
	res, err := db.Exec(`
		UPDATE export_runs SET
			finished_at = ?,
			status = ?,
			chats_selected = ?,
			chats_rendered = ?,
			chats_failed = ?,
			messages = ?,
			reactions_dropped = ?,
			error = ?
		WHERE id = ?
	`, time.Now().Unix(), o.Status, o.ChatsSelected, o.ChatsRendered, o.ChatsFailed, o.Messages, o.ReactionsDropped, errVal, id)
	if err != nil {
		return fmt.Errorf("failed to update export run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("export run %s not found", id)
	}
	return nil
}

// List returns the most recent runs first.
func List(db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, started_at, finished_at, chat_db, output_dir, status,
		       chats_selected, chats_rendered, chats_failed, messages, reactions_dropped, error
		FROM export_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query export runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.ChatDB, &r.OutputDir, &r.Status,
			&r.ChatsSelected, &r.ChatsRendered, &r.ChatsFailed, &r.Messages, &r.ReactionsDropped, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan export run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Int64
		}
		if errText.Valid {
			r.Error = &errText.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating export runs: %w", err)
	}
	return out, nil
}
