// Package dbmigrate applies the SQL files under migrations/ to Postgres.
package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Migrator owns one database handle and one migrate instance.
type Migrator struct {
	db *sql.DB
	m  *migrate.Migrate
}

// Open connects to dsn and reads migrations from dir.
func Open(dir, dsn string) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Migrator{db: db, m: m}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Version returns the applied version; an empty database reports 0.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Steps moves n migrations up (n > 0) or down (n < 0). n == 0 means all
// the way in the given direction.
func (mg *Migrator) Steps(up bool, n int) error {
	var err error
	switch {
	case n > 0 && up:
		err = mg.m.Steps(n)
	case n > 0:
		err = mg.m.Steps(-n)
	case up:
		err = mg.m.Up()
	default:
		err = mg.m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// Apply brings the database at dsn up to date. A dirty database is an error.
func Apply(dir, dsn string, log *zap.Logger) error {
	mg, err := Open(dir, dsn)
	if err != nil {
		return err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d). Manual intervention required", version)
	}
	if err := mg.Steps(true, 0); err != nil {
		return err
	}
	newVersion, _, _ := mg.Version()
	if newVersion != version {
		log.Info("migrated database", zap.Uint("from", version), zap.Uint("to", newVersion))
	} else {
		log.Info("database is up to date", zap.Uint("version", version))
	}
	return nil
}
