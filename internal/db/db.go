package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the status and events commands read while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Worker process lifecycle
	CREATE TABLE IF NOT EXISTS worker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		restart_count INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Gateway listener lifecycle
	CREATE TABLE IF NOT EXISTS gateway_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		addr TEXT,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_worker_events_timestamp ON worker_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_worker_events_type ON worker_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_gateway_events_timestamp ON gateway_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execWithRetry retries briefly if the database is locked (3 attempts, 5ms
// between). Event logging is best-effort and must not stall the supervisor.
func (db *DB) execWithRetry(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

// WorkerEvent represents a worker lifecycle event
type WorkerEvent struct {
	ID           int64
	EventType    string
	Pid          int
	Attempt      int
	RestartCount int
	Details      string
	Timestamp    time.Time
}

// LogWorkerEvent logs a worker lifecycle event to the database
func (db *DB) LogWorkerEvent(eventType string, pid, attempt, restartCount int, details string) error {
	return db.execWithRetry(
		`INSERT INTO worker_events (event_type, pid, attempt, restart_count, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eventType, pid, attempt, restartCount, details, time.Now(),
	)
}

// GatewayEvent represents a gateway listener event
type GatewayEvent struct {
	ID        int64
	EventType string
	Addr      string
	Details   string
	Timestamp time.Time
}

// LogGatewayEvent logs a gateway listener event to the database
func (db *DB) LogGatewayEvent(eventType, addr, details string) error {
	return db.execWithRetry(
		`INSERT INTO gateway_events (event_type, addr, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		eventType, addr, details, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// GetRecentWorkerEvents retrieves recent worker events, newest first
func (db *DB) GetRecentWorkerEvents(limit int) ([]WorkerEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, pid, attempt, restart_count, details, timestamp
		 FROM worker_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WorkerEvent
	for rows.Next() {
		var e WorkerEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.Pid, &e.Attempt, &e.RestartCount, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastWorkerEvent returns the most recent event of the given type, or nil
// if there is none
func (db *DB) GetLastWorkerEvent(eventType string) (*WorkerEvent, error) {
	var e WorkerEvent
	var details sql.NullString
	err := db.conn.QueryRow(
		`SELECT id, event_type, pid, attempt, restart_count, details, timestamp
		 FROM worker_events
		 WHERE event_type = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		eventType,
	).Scan(&e.ID, &e.EventType, &e.Pid, &e.Attempt, &e.RestartCount, &details, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Details = details.String
	return &e, nil
}

// GetRecentGatewayEvents retrieves recent gateway events, newest first
func (db *DB) GetRecentGatewayEvents(limit int) ([]GatewayEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, addr, details, timestamp
		 FROM gateway_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []GatewayEvent
	for rows.Next() {
		var e GatewayEvent
		var addr, details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &addr, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Addr = addr.String
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is a row from any of the event tables, tagged with its source
type Event struct {
	Source    string    `json:"source"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetRecentEvents merges the newest events of all tables, newest first
func (db *DB) GetRecentEvents(limit int) ([]Event, error) {
	workerEvents, err := db.GetRecentWorkerEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker events: %w", err)
	}
	gatewayEvents, err := db.GetRecentGatewayEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway events: %w", err)
	}
	daemonEvents, err := db.GetRecentDaemonEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon events: %w", err)
	}

	events := make([]Event, 0, len(workerEvents)+len(gatewayEvents)+len(daemonEvents))
	for _, e := range workerEvents {
		details := e.Details
		if e.Pid > 0 {
			details = strings.TrimSpace(fmt.Sprintf("pid=%d %s", e.Pid, details))
		}
		events = append(events, Event{Source: "worker", EventType: e.EventType, Details: details, Timestamp: e.Timestamp})
	}
	for _, e := range gatewayEvents {
		details := strings.TrimSpace(e.Addr + " " + e.Details)
		events = append(events, Event{Source: "gateway", EventType: e.EventType, Details: details, Timestamp: e.Timestamp})
	}
	for _, e := range daemonEvents {
		events = append(events, Event{Source: "daemon", EventType: e.EventType, Details: e.Details, Timestamp: e.Timestamp})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
