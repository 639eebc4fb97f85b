// Package database opens and prepares the promptloop SQLite databases:
// lifecycle (run and round state), output (results and metrics) and
// metadata (secrets and telemetry). Schemas are embedded so the databases
// can be created anywhere.
package database

import (
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// OpenLifecycle opens (and if needed creates) the lifecycle database.
func OpenLifecycle(path string) (*sql.DB, error) {
	return open(path, "schemas/lifecycle_schema.sql")
}

// OpenOutput opens (and if needed creates) the output database.
func OpenOutput(path string) (*sql.DB, error) {
	return open(path, "schemas/output_schema.sql")
}

// OpenMetadata opens (and if needed creates) the metadata database.
func OpenMetadata(path string) (*sql.DB, error) {
	return open(path, "schemas/metadata_schema.sql")
}

// open opens a SQLite database with the standard pragma set and applies
// the embedded schema.
func open(path, schemaName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema, err := schemaFS.ReadFile(schemaName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema %s: %w", schemaName, err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema %s: %w", schemaName, err)
	}

	return db, nil
}
