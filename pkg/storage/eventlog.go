// Package storage persists daemon events: xruns and buffer faults,
// control-surface activity, MIDI parser errors and periodic meter
// snapshots. The log backs the web interface's event views and survives
// daemon restarts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dougsko/aurad/pkg/logging"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Event categories
const (
	EventXrun      = "xrun"
	EventFault     = "fault"
	EventSurface   = "surface"
	EventMIDIError = "midi_error"
	EventMeter     = "meter"
	EventLifecycle = "lifecycle"
)

// Event is one logged occurrence.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Device    string    `json:"device,omitempty"`
	Channel   int       `json:"channel"`
	Value     float64   `json:"value"`
	Detail    string    `json:"detail,omitempty"`
}

// EventLog handles persistent storage of daemon events with SQLite.
type EventLog struct {
	db        *sql.DB
	dbPath    string
	maxEvents int
}

// NewEventLog opens (creating if necessary) the event database.
func NewEventLog(dbPath string, maxEvents int) (*EventLog, error) {
	if dbPath == "" {
		dbPath = "./aurad.db"
	}

	log := &EventLog{
		dbPath:    dbPath,
		maxEvents: maxEvents,
	}

	if err := log.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}

	return log, nil
}

// initialize sets up the database connection and creates tables
func (el *EventLog) initialize() error {
	if dir := filepath.Dir(el.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connectionString := el.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	el.db = db

	if err := el.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	logging.Infof("storage", "event log initialized: %s (max %d events)", el.dbPath, el.maxEvents)
	return nil
}

// createTables creates the database schema
func (el *EventLog) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		category TEXT NOT NULL,
		device TEXT NOT NULL DEFAULT '',
		channel INTEGER NOT NULL DEFAULT -1,
		value REAL NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
	`

	_, err := el.db.Exec(schema)
	return err
}

// Close closes the database.
func (el *EventLog) Close() error {
	if el.db != nil {
		return el.db.Close()
	}
	return nil
}

// Append stores one event and enforces the retention cap.
func (el *EventLog) Append(category, device string, channel int, value float64, detail string) error {
	id := uuid.NewString()
	_, err := el.db.Exec(
		`INSERT INTO events (id, timestamp, category, device, channel, value, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), category, device, channel, value, detail)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return el.enforceRetention()
}

// enforceRetention deletes the oldest rows beyond the configured cap.
func (el *EventLog) enforceRetention() error {
	if el.maxEvents <= 0 {
		return nil
	}
	_, err := el.db.Exec(
		`DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY timestamp DESC, id LIMIT -1 OFFSET ?
		)`, el.maxEvents)
	if err != nil {
		return fmt.Errorf("failed to enforce retention: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered by
// category ("" matches all).
func (el *EventLog) Recent(category string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, category, device, channel, value, detail
	          FROM events`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := el.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Category, &e.Device,
			&e.Channel, &e.Value, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByCategory returns event totals keyed by category.
func (el *EventLog) CountByCategory() (map[string]int, error) {
	rows, err := el.db.Query(`SELECT category, COUNT(*) FROM events GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		counts[cat] = n
	}
	return counts, rows.Err()
}

// Cleanup removes events older than the given age and returns the number
// deleted.
func (el *EventLog) Cleanup(olderThan time.Duration) (int64, error) {
	res, err := el.db.Exec(`DELETE FROM events WHERE timestamp < ?`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup events: %w", err)
	}
	return res.RowsAffected()
}
