package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT NOT NULL UNIQUE, email TEXT NOT NULL UNIQUE, password_hash TEXT NOT NULL, created_at TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS roles (id INTEGER PRIMARY KEY AUTOINCREMENT, authority TEXT NOT NULL UNIQUE);`,
		`CREATE TABLE IF NOT EXISTS user_roles (user_id INTEGER NOT NULL REFERENCES users(id), role_id INTEGER NOT NULL REFERENCES roles(id), PRIMARY KEY (user_id, role_id));`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const sqliteUserColumns = `SELECT id, username, email, password_hash, created_at FROM users`

func (s *SQLiteDB) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.queryUser(ctx, sqliteUserColumns+` WHERE username = ?`, username)
}

func (s *SQLiteDB) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, sqliteUserColumns+` WHERE email = ?`, email)
}

func (s *SQLiteDB) FindByUsernameOrEmail(ctx context.Context, identifier string) (*User, error) {
	return s.queryUser(ctx,
		sqliteUserColumns+` WHERE username = ? OR email = ? ORDER BY CASE WHEN username = ? THEN 0 ELSE 1 END LIMIT 1`,
		identifier, identifier, identifier)
}

func (s *SQLiteDB) queryUser(ctx context.Context, query string, args ...any) (*User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.Roles, err = loadRoles(ctx, s.db,
		`SELECT r.id, r.authority FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = ? ORDER BY r.authority`,
		u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteDB) Save(ctx context.Context, u *User) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id, created := u.ID, u.CreatedAt
	if id == 0 {
		created = time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			u.Username, u.Email, u.PasswordHash, created.Format(time.RFC3339Nano))
		if err != nil {
			return nil, sqliteConstraintErr(err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	} else {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM users WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		if err != nil {
			return nil, err
		}
		if created, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET username = ?, email = ?, password_hash = ? WHERE id = ?`,
			u.Username, u.Email, u.PasswordHash, id); err != nil {
			return nil, sqliteConstraintErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, id); err != nil {
			return nil, err
		}
	}

	var roles []Role
	for _, a := range authorities(u.Roles) {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles (authority) VALUES (?)`, string(a)); err != nil {
			return nil, err
		}
		r := Role{Authority: a}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE authority = ?`, string(a)).Scan(&r.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)`, id, r.ID); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	u.ID, u.CreatedAt, u.Roles = id, created, roles
	return u, nil
}

func (s *SQLiteDB) FindRoleByAuthority(ctx context.Context, a Authority) (*Role, error) {
	r := Role{Authority: a}
	err := s.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE authority = ?`, string(a)).Scan(&r.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteDB) Close() error                   { return s.db.Close() }

// sqliteConstraintErr maps "UNIQUE constraint failed: users.<column>" to the
// matching store error.
func sqliteConstraintErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: users.username"):
		return ErrUsernameTaken
	case strings.Contains(msg, "UNIQUE constraint failed: users.email"):
		return ErrEmailTaken
	}
	return err
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRoles(ctx context.Context, q rowsQuerier, query string, userID int64) ([]Role, error) {
	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		var a string
		if err := rows.Scan(&r.ID, &a); err != nil {
			return nil, err
		}
		r.Authority = Authority(a)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
