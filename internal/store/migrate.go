package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrations is the migration source used when none is given.
const DefaultMigrations = "file://migrations"

// Migrate applies database migrations from source, e.g. file://migrations.
// steps 0 applies every pending migration in the given direction. An
// already current schema is not an error.
func Migrate(source, dsn, direction string, steps int) error {
	if source == "" {
		source = DefaultMigrations
	}
	if dsn == "" {
		return fmt.Errorf("database dsn required")
	}
	m, err := migrate.New(source, dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up", "":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
