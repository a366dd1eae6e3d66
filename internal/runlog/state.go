package runlog

import (
	"database/sql"
	"fmt"
	"time"
)

// Keys stored per output directory.
const (
	KeyLastRun    = "last_run"
	KeyLastChatDB = "last_chat_db"
)

// GetState reads a value recorded for an output directory.
func GetState(db *sql.DB, outputDir, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM export_state WHERE output_dir = ? AND key = ?`, outputDir, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get export state: %w", err)
	}
	return v, true, nil
}

// SetState upserts a value for an output directory.
func SetState(db *sql.DB, outputDir, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO export_state (output_dir, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(output_dir, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, outputDir, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set export state: %w", err)
	}
	return nil
}
