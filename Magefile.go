//go:build mage
// +build mage

package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	_ "modernc.org/sqlite"
)

const binaryName = "promptloop"

// Build builds the promptloop binary
func Build() error {
	mg.Deps(Lint, Test)

	fmt.Printf("Building %s...\n", binaryName)

	return sh.RunV("go", "build",
		"-o", "bin/"+binaryName,
		"-ldflags", "-s -w",
		".")
}

// Test runs Go unit tests
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./...")
}

// Lint runs golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	return sh.RunV("golangci-lint", "run", "--config", ".golangci.yml")
}

// LintFix runs linters with auto-fix
func LintFix() error {
	fmt.Println("Running linters with auto-fix...")
	return sh.RunV("golangci-lint", "run", "--fix", "--config", ".golangci.yml")
}

// InitDB initializes the three databases with their schemas
func InitDB() error {
	fmt.Println("Initializing databases...")

	schemas := map[string]string{
		binaryName + ".lifecycle.db": "internal/database/schemas/lifecycle_schema.sql",
		binaryName + ".output.db":    "internal/database/schemas/output_schema.sql",
		binaryName + ".metadata.db":  "internal/database/schemas/metadata_schema.sql",
	}

	for dbPath, schemaPath := range schemas {
		if err := initDatabase(dbPath, schemaPath); err != nil {
			return fmt.Errorf("failed to init %s: %w", dbPath, err)
		}
		fmt.Printf("  ✓ Initialized %s\n", dbPath)
	}

	return nil
}

// Validate checks database presence and required tables
func Validate() error {
	fmt.Println("🔍 Checking databases...")

	requiredTables := map[string][]string{
		binaryName + ".lifecycle.db": {"runs", "rounds", "agent_usage", "processed_log"},
		binaryName + ".output.db":    {"results", "metrics", "latency_histogram", "heartbeat"},
		binaryName + ".metadata.db":  {"secrets", "telemetry_events"},
	}

	for dbPath, tables := range requiredTables {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("❌ Missing database %s (run 'mage initdb')", dbPath)
		}

		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("❌ Failed to open %s: %w", dbPath, err)
		}
		defer db.Close()

		for _, tableName := range tables {
			var exists bool
			err = db.QueryRow(`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`,
				tableName).Scan(&exists)
			if err != nil {
				return fmt.Errorf("❌ Failed to check table %s in %s: %w", tableName, dbPath, err)
			}
			if !exists {
				return fmt.Errorf("❌ Missing required table '%s' in %s", tableName, dbPath)
			}
		}
		fmt.Printf("  ✓ %s: all required tables present\n", dbPath)
	}

	return nil
}

// Check runs full validation + build + test
func Check() error {
	mg.Deps(Validate, Lint, Test, Build)
	fmt.Println("✅ Full check passed")
	return nil
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
	os.RemoveAll("coverage.out")
	return nil
}

// Run builds and runs the binary
func Run() error {
	mg.Deps(Build)
	return sh.RunV("./bin/" + binaryName)
}

func initDatabase(dbPath, schemaPath string) error {
	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}
