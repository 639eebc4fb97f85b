package database

import (
	"database/sql"
	"fmt"
	"time"
)

// MetadataDB provides helper methods for metadata database operations.
type MetadataDB struct {
	db *sql.DB
}

// NewMetadataDB creates a new metadata database helper.
func NewMetadataDB(db *sql.DB) *MetadataDB {
	return &MetadataDB{db: db}
}

// GetSecret retrieves a secret by name.
func (m *MetadataDB) GetSecret(secretName string) (string, error) {
	var secretValue string
	err := m.db.QueryRow(`
		SELECT secret_value FROM secrets WHERE secret_name = ?
	`, secretName).Scan(&secretValue)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretName, err)
	}
	return secretValue, nil
}

// HasSecret reports whether a secret exists.
func (m *MetadataDB) HasSecret(secretName string) (bool, error) {
	var count int
	err := m.db.QueryRow(`
		SELECT COUNT(*) FROM secrets WHERE secret_name = ?
	`, secretName).Scan(&count)
	return count > 0, err
}

// SetSecret stores or rotates a secret.
func (m *MetadataDB) SetSecret(secretName, secretValue string) error {
	now := time.Now().Unix()
	_, err := m.db.Exec(`
		INSERT OR REPLACE INTO secrets
		(secret_name, secret_value, created_at, last_rotated)
		VALUES (?, ?, COALESCE((SELECT created_at FROM secrets WHERE secret_name = ?), ?), ?)
	`, secretName, secretValue, secretName, now, now)
	return err
}

// RecordTelemetryEvent records a telemetry event.
func (m *MetadataDB) RecordTelemetryEvent(eventType, description string) error {
	_, err := m.db.Exec(`
		INSERT INTO telemetry_events (timestamp, event_type, description)
		VALUES (?, ?, ?)
	`, time.Now().Unix(), eventType, description)
	return err
}

// TelemetryEvent is one row of the telemetry_events table.
type TelemetryEvent struct {
	Timestamp   int64
	EventType   string
	Description string
}

// GetTelemetryEvents retrieves events within a time range, newest first.
// Empty eventType matches all.
func (m *MetadataDB) GetTelemetryEvents(startTime, endTime int64, eventType string) ([]TelemetryEvent, error) {
	var rows *sql.Rows
	var err error

	if eventType != "" {
		rows, err = m.db.Query(`
			SELECT timestamp, event_type, description
			FROM telemetry_events
			WHERE timestamp >= ? AND timestamp <= ? AND event_type = ?
			ORDER BY timestamp DESC
		`, startTime, endTime, eventType)
	} else {
		rows, err = m.db.Query(`
			SELECT timestamp, event_type, description
			FROM telemetry_events
			WHERE timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC
		`, startTime, endTime)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TelemetryEvent
	for rows.Next() {
		var ev TelemetryEvent
		var description sql.NullString
		if err := rows.Scan(&ev.Timestamp, &ev.EventType, &description); err != nil {
			return nil, err
		}
		ev.Description = description.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
