package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Constraint names from migrations/000001_init.up.sql.
const (
	pgUsernameKey = "users_username_key"
	pgEmailKey    = "users_email_key"
)

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := NewPostgresDBFromConn(d)
	if err := p.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresDBFromConn wraps an existing handle, e.g. one from sqlmock.
func NewPostgresDBFromConn(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db}
}

// Init relies on migrations to create tables; it just verifies connectivity.
func (p *PostgresDB) Init(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const pgUserColumns = `SELECT id, username, email, password_hash, created_at FROM users`

func (p *PostgresDB) FindByUsername(ctx context.Context, username string) (*User, error) {
	return p.queryUser(ctx, pgUserColumns+` WHERE username = $1`, username)
}

func (p *PostgresDB) FindByEmail(ctx context.Context, email string) (*User, error) {
	return p.queryUser(ctx, pgUserColumns+` WHERE email = $1`, email)
}

func (p *PostgresDB) FindByUsernameOrEmail(ctx context.Context, identifier string) (*User, error) {
	return p.queryUser(ctx,
		pgUserColumns+` WHERE username = $1 OR email = $1 ORDER BY (username = $1) DESC LIMIT 1`,
		identifier)
}

func (p *PostgresDB) queryUser(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if u.Roles, err = loadRoles(ctx, p.db,
		`SELECT r.id, r.authority FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = $1 ORDER BY r.authority`,
		u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) Save(ctx context.Context, u *User) (*User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id := u.ID
	var created time.Time
	if id == 0 {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id, created_at`,
			u.Username, u.Email, u.PasswordHash).Scan(&id, &created)
		if err != nil {
			return nil, pgConstraintErr(err)
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`UPDATE users SET username = $1, email = $2, password_hash = $3 WHERE id = $4 RETURNING created_at`,
			u.Username, u.Email, u.PasswordHash, id).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		if err != nil {
			return nil, pgConstraintErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, id); err != nil {
			return nil, err
		}
	}

	var roles []Role
	for _, a := range authorities(u.Roles) {
		r := Role{Authority: a}
		err := tx.QueryRowContext(ctx,
			`INSERT INTO roles (authority) VALUES ($1) ON CONFLICT (authority) DO UPDATE SET authority = EXCLUDED.authority RETURNING id`,
			string(a)).Scan(&r.ID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, r.ID); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	u.ID, u.CreatedAt, u.Roles = id, created.UTC(), roles
	return u, nil
}

func (p *PostgresDB) FindRoleByAuthority(ctx context.Context, a Authority) (*Role, error) {
	r := Role{Authority: a}
	err := p.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE authority = $1`, string(a)).Scan(&r.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresDB) Close() error                   { return p.db.Close() }

// pgConstraintErr translates unique violations (SQLSTATE 23505) on the users
// table into ErrUsernameTaken / ErrEmailTaken.
func pgConstraintErr(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case pgUsernameKey:
		return ErrUsernameTaken
	case pgEmailKey:
		return ErrEmailTaken
	}
	return err
}
