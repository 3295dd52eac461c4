// Command migrate is the schema migration CLI (database/sql +
// golang-migrate), driven by the same env-derived config as the server.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"casino/internal/config"
	"casino/internal/database"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	cfg := config.Load()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		fmt.Println("Running migrations...")
		if err := database.RunMigrations(db, cfg.MigrationsPath); err != nil {
			fatalf("migration failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "down":
		fmt.Println("Rolling back last migration...")
		if err := database.RollbackMigration(db, cfg.MigrationsPath); err != nil {
			fatalf("rollback failed: %v", err)
		}
		fmt.Println("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, cfg.MigrationsPath)
		if err != nil {
			fatalf("failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("Current version: %d (DIRTY - needs manual intervention)\n", version)
		} else {
			fmt.Printf("Current version: %d\n", version)
		}

	case "create":
		if len(os.Args) < 3 {
			fatalf("usage: migrate create <migration_name>")
		}
		createMigration(cfg.MigrationsPath, os.Args[2])

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func createMigration(migrationsPath, name string) {
	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		fatalf("failed to read migrations directory: %v", err)
	}

	nextVersion := 1
	for _, file := range files {
		if !file.IsDir() {
			nextVersion++
		}
	}
	nextVersion = (nextVersion / 2) + 1 // each migration has up and down files

	upFile := fmt.Sprintf("%s/%06d_%s.up.sql", migrationsPath, nextVersion, name)
	downFile := fmt.Sprintf("%s/%06d_%s.down.sql", migrationsPath, nextVersion, name)

	if err := os.WriteFile(upFile, []byte(fmt.Sprintf("-- Migration: %s\n\n-- Add your SQL here\n", name)), 0644); err != nil {
		fatalf("failed to create up migration: %v", err)
	}
	if err := os.WriteFile(downFile, []byte(fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)), 0644); err != nil {
		fatalf("failed to create down migration: %v", err)
	}

	fmt.Println("Created migration files:")
	fmt.Printf("   - %s\n", upFile)
	fmt.Printf("   - %s\n", downFile)
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Configuration comes from casino/internal/config (DATABASE_URL, MIGRATIONS_PATH).")
}

func fatalf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
