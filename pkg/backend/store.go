package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Report sources.
const (
	SourceAgent = "agent" // processed_data over the websocket
	SourceHTTP  = "http"  // POST /api/data
)

// Report is one stored device report.
type Report struct {
	DeliveryID   string          `json:"delivery_id"`
	SerialNumber string          `json:"serial_number"`
	AgentID      string          `json:"agent_id,omitempty"`
	ScheduleID   string          `json:"schedule_id,omitempty"`
	Source       string          `json:"source"`
	ReceivedAt   time.Time       `json:"received_at"`
	Data         json.RawMessage `json:"data"`
}

// KnownAgent is the last agent_online seen from an agent.
type KnownAgent struct {
	AgentID      string    `json:"agent_id"`
	Hostname     string    `json:"hostname"`
	Version      string    `json:"version"`
	OS           string    `json:"os"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists reports and agent metadata in SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	delivery_id   TEXT PRIMARY KEY,
	serial_number TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	schedule_id   TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	received_at   TEXT NOT NULL,
	data          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_serial ON reports(serial_number, received_at);

CREATE TABLE IF NOT EXISTS agents (
	agent_id     TEXT PRIMARY KEY,
	hostname     TEXT NOT NULL DEFAULT '',
	version      TEXT NOT NULL DEFAULT '',
	os           TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	last_seen    TEXT NOT NULL
);`

// OpenStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("backend: create db directory: %w", err)
		}
		dsn = "file:" + path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: open db: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("backend: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveReport stores r. A report whose delivery id is already stored is
// ignored and reported as not inserted.
func (s *Store) SaveReport(ctx context.Context, r Report) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reports
			(delivery_id, serial_number, agent_id, schedule_id, source, received_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DeliveryID, r.SerialNumber, r.AgentID, r.ScheduleID, r.Source,
		r.ReceivedAt.UTC().Format(timeLayout), string(r.Data),
	)
	if err != nil {
		return false, fmt.Errorf("backend: save report %s: %w", r.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("backend: save report %s: %w", r.DeliveryID, err)
	}
	return n == 1, nil
}

// Reports returns the newest reports for serial, at most limit of them.
func (s *Store) Reports(ctx context.Context, serial string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, serial_number, agent_id, schedule_id, source, received_at, data
		FROM reports
		WHERE serial_number = ?
		ORDER BY received_at DESC
		LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("backend: query reports: %w", err)
	}
	defer rows.Close()

	out := []Report{}
	for rows.Next() {
		var (
			r          Report
			receivedAt string
			data       string
		)
		if err := rows.Scan(&r.DeliveryID, &r.SerialNumber, &r.AgentID, &r.ScheduleID, &r.Source, &receivedAt, &data); err != nil {
			return nil, fmt.Errorf("backend: scan report: %w", err)
		}
		r.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveAgent records an agent_online announcement.
func (s *Store) SaveAgent(ctx context.Context, a KnownAgent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("backend: encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, hostname, version, os, capabilities, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			hostname = excluded.hostname,
			version = excluded.version,
			os = excluded.os,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen`,
		a.AgentID, a.Hostname, a.Version, a.OS, string(caps),
		a.LastSeen.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("backend: save agent %s: %w", a.AgentID, err)
	}
	return nil
}

// Agents returns every agent ever announced, most recently seen first.
func (s *Store) Agents(ctx context.Context) ([]KnownAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, hostname, version, os, capabilities, last_seen
		FROM agents
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("backend: query agents: %w", err)
	}
	defer rows.Close()

	out := []KnownAgent{}
	for rows.Next() {
		var (
			a        KnownAgent
			caps     string
			lastSeen string
		)
		if err := rows.Scan(&a.AgentID, &a.Hostname, &a.Version, &a.OS, &caps, &lastSeen); err != nil {
			return nil, fmt.Errorf("backend: scan agent: %w", err)
		}
		_ = json.Unmarshal([]byte(caps), &a.Capabilities)
		a.LastSeen, _ = time.Parse(timeLayout, lastSeen)
		out = append(out, a)
	}
	return out, rows.Err()
}
