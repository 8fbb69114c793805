package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores one row per user holding the conversation context
// as JSON next to the schedule text.
type SQLitePersister struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to avoid SQLITE_BUSY
}

// OpenSQLite opens (creating if needed) the database at dbPath.
func OpenSQLite(dbPath string) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &SQLitePersister{db: db}
	if err := p.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) initSchema() error {
	const query = `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id TEXT PRIMARY KEY,
		transcript_json TEXT NOT NULL,
		proposed_json TEXT NOT NULL,
		schedule TEXT,
		updated_at INTEGER NOT NULL
	);`
	if _, err := p.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (p *SQLitePersister) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *SQLitePersister) Close() error { return p.db.Close() }

func (p *SQLitePersister) SaveConversation(ctx context.Context, userID string, snap Snapshot) error {
	transcript, err := json.Marshal(nonNil(snap.Context.Transcript))
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	proposed, err := json.Marshal(nonNil(snap.Context.ProposedTimes))
	if err != nil {
		return fmt.Errorf("marshal proposed times: %w", err)
	}
	var schedule interface{}
	if snap.Schedule != "" {
		schedule = snap.Schedule
	}

	const query = `
	INSERT INTO conversations (user_id, transcript_json, proposed_json, schedule, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		transcript_json = excluded.transcript_json,
		proposed_json = excluded.proposed_json,
		schedule = excluded.schedule,
		updated_at = excluded.updated_at`

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.ExecContext(ctx, query, userID, string(transcript), string(proposed), schedule, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (p *SQLitePersister) DeleteConversation(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (p *SQLitePersister) LoadConversations(ctx context.Context) (map[string]Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, transcript_json, proposed_json, schedule FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		var uid, transcript, proposed string
		var schedule sql.NullString
		if err := rows.Scan(&uid, &transcript, &proposed, &schedule); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(transcript), &snap.Context.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript for %s: %w", uid, err)
		}
		if err := json.Unmarshal([]byte(proposed), &snap.Context.ProposedTimes); err != nil {
			return nil, fmt.Errorf("decode proposed times for %s: %w", uid, err)
		}
		snap.Schedule = schedule.String
		out[uid] = snap
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
