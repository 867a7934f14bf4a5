// Package busmon records the individual and group addresses seen on the
// bus in a SQLite database, building an inventory of the line over time.
package busmon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"knx-gateway/internal/telegram"
)

const (
	dirPermissions    = 0750
	connectionTimeout = 5 * time.Second
	defaultLimit      = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS knx_devices (
	individual_address TEXT PRIMARY KEY,
	first_seen         INTEGER NOT NULL,
	last_seen          INTEGER NOT NULL,
	message_count      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS knx_group_addresses (
	group_address     TEXT PRIMARY KEY,
	first_seen        INTEGER NOT NULL,
	last_seen         INTEGER NOT NULL,
	message_count     INTEGER NOT NULL DEFAULT 0,
	has_read_response INTEGER NOT NULL DEFAULT 0,
	last_value        TEXT
);`

// Device is a source address seen on the bus.
type Device struct {
	Address      string    `json:"address"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
}

// Group is a group address seen as a destination.
type Group struct {
	Address         string    `json:"address"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	MessageCount    int64     `json:"message_count"`
	HasReadResponse bool      `json:"has_read_response"`
	LastValue       string    `json:"last_value,omitempty"`
}

// Monitor upserts addresses from bus telegrams.
type Monitor struct {
	db     *sql.DB
	logger *slog.Logger

	deviceUpsert *sql.Stmt
	groupUpsert  *sql.Stmt
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Monitor, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("busmon: creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path))
	if err != nil {
		return nil, fmt.Errorf("busmon: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("busmon: verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("busmon: creating schema: %w", err)
	}

	m := &Monitor{db: db, logger: logger.With("component", "busmon")}
	if err := m.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Monitor) prepare() error {
	var err error
	m.deviceUpsert, err = m.db.Prepare(`
		INSERT INTO knx_devices (individual_address, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("busmon: preparing device upsert: %w", err)
	}
	m.groupUpsert, err = m.db.Prepare(`
		INSERT INTO knx_group_addresses (group_address, first_seen, last_seen, message_count, has_read_response, last_value)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			has_read_response = MAX(has_read_response, excluded.has_read_response),
			last_value = COALESCE(excluded.last_value, last_value)
	`)
	if err != nil {
		m.deviceUpsert.Close()
		return fmt.Errorf("busmon: preparing group upsert: %w", err)
	}
	return nil
}

// Record stores the addresses carried by t. A zero source is skipped.
func (m *Monitor) Record(t telegram.Telegram, at time.Time) {
	now := at.Unix()
	if t.Source != 0 {
		if _, err := m.deviceUpsert.Exec(t.Source.String(), now, now); err != nil {
			m.logger.Warn("recording device failed", "address", t.Source.String(), "err", err)
		}
	}
	if !t.Group || t.Destination == 0 {
		return
	}
	cmd := t.Command()
	var value any
	if cmd == telegram.CommandValueWrite || cmd == telegram.CommandValueResponse {
		value = fmt.Sprintf("%X", t.Data())
	}
	response := 0
	if cmd == telegram.CommandValueResponse {
		response = 1
	}
	ga := telegram.GroupAddr(t.Destination).String()
	if _, err := m.groupUpsert.Exec(ga, now, now, response, value); err != nil {
		m.logger.Warn("recording group address failed", "address", ga, "err", err)
	}
}

// Devices returns the most recently active source addresses.
func (m *Monitor) Devices(ctx context.Context, limit int) ([]Device, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT individual_address, first_seen, last_seen, message_count
		FROM knx_devices
		ORDER BY last_seen DESC, individual_address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("busmon: querying devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			d           Device
			first, last int64
		)
		if err := rows.Scan(&d.Address, &first, &last, &d.MessageCount); err != nil {
			return nil, fmt.Errorf("busmon: scanning device: %w", err)
		}
		d.FirstSeen, d.LastSeen = time.Unix(first, 0), time.Unix(last, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Groups returns group addresses, those that answered a read first.
func (m *Monitor) Groups(ctx context.Context, limit int) ([]Group, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT group_address, first_seen, last_seen, message_count, has_read_response, COALESCE(last_value, '')
		FROM knx_group_addresses
		ORDER BY has_read_response DESC, last_seen DESC, group_address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("busmon: querying group addresses: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var (
			g           Group
			first, last int64
			resp        int
		)
		if err := rows.Scan(&g.Address, &first, &last, &g.MessageCount, &resp, &g.LastValue); err != nil {
			return nil, fmt.Errorf("busmon: scanning group address: %w", err)
		}
		g.FirstSeen, g.LastSeen = time.Unix(first, 0), time.Unix(last, 0)
		g.HasReadResponse = resp != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// Close releases the statements and the database.
func (m *Monitor) Close() error {
	m.deviceUpsert.Close()
	m.groupUpsert.Close()
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("busmon: closing database: %w", err)
	}
	return nil
}
