// Package dbmigrations embeds and applies the orchestrator's goose
// migrations against the primary OLTP database.
package dbmigrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Up applies every pending migration to db.
func Up(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "setting goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "applying migrations")
	}
	return nil
}
