package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edgecopilot/internal/models"
)

// CreateTableStatement returns the trace table DDL for the executor's driver.
func (e *Executor) CreateTableStatement(table string) Statement {
	switch e.Driver() {
	case "mysql":
		return Statement{Query: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			session_id VARCHAR(255),
			run_id VARCHAR(64),
			input_messages MEDIUMTEXT,
			output_messages MEDIUMTEXT,
			run_metadata MEDIUMTEXT,
			created_at VARCHAR(64),
			PRIMARY KEY (id),
			INDEX idx_` + table + `_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`}
	default:
		return Statement{Query: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			run_id TEXT,
			input_messages TEXT,
			output_messages TEXT,
			run_metadata TEXT,
			created_at TEXT
		)`}
	}
}

// InsertTraceStatement builds the insert for one trace row.
func InsertTraceStatement(table string, rec models.TraceRecord) Statement {
	return Statement{
		Query: `INSERT INTO ` + table + ` (session_id, run_id, input_messages, output_messages, run_metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		Args: []any{
			rec.SessionID,
			rec.RunID,
			rec.InputMessages,
			rec.OutputMessages,
			rec.RunMetadata,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// FeedbackEntry is one user verdict on a traced run.
type FeedbackEntry struct {
	RunID     string
	SessionID string
	// UserID is the authenticated rater; empty when auth is disabled.
	UserID    string
	Rating    models.Rating
	Comments  string
	CreatedAt time.Time
}

func (e *Executor) feedbackTableStatement(table string) Statement {
	switch e.Driver() {
	case "mysql":
		return Statement{Query: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			run_id VARCHAR(64) NOT NULL,
			session_id VARCHAR(255),
			user_id VARCHAR(64),
			liked TINYINT(1) NOT NULL,
			rating VARCHAR(16) NOT NULL,
			comments TEXT,
			created_at VARCHAR(64),
			PRIMARY KEY (id),
			INDEX idx_` + table + `_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`}
	default:
		return Statement{Query: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT,
			user_id TEXT,
			liked INTEGER NOT NULL,
			rating TEXT NOT NULL,
			comments TEXT,
			created_at TEXT
		)`}
	}
}

// SaveFeedback stores entry in <table>, provisioning the database and the
// table when they are missing.
func (e *Executor) SaveFeedback(ctx context.Context, database, table string, entry FeedbackEntry) error {
	liked := 0
	if entry.Rating == models.RatingLike {
		liked = 1
	}
	insert := Statement{
		Query: `INSERT INTO ` + table + ` (run_id, session_id, user_id, liked, rating, comments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			entry.RunID,
			entry.SessionID,
			entry.UserID,
			liked,
			string(entry.Rating),
			entry.Comments,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	err := e.Execute(ctx, database, e.feedbackTableStatement(table), insert)
	if errors.Is(err, ErrDatabaseNotFound) {
		if cerr := e.CreateDatabase(ctx, database); cerr != nil {
			return fmt.Errorf("save feedback: %w", cerr)
		}
		err = e.Execute(ctx, database, e.feedbackTableStatement(table), insert)
	}
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}
