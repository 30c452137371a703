package account

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists users in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a new user.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, last_name, email, phone, gender, role, password_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, u.ID, u.FirstName, u.LastName, u.Email, u.Phone, u.Gender, u.Role, u.PasswordHash, u.Active, u.CreatedAt)
	return err
}

// UserByID returns a user or nil when absent.
func (r *Repository) UserByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, email, phone, gender, role, password_hash, active, created_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

// UserByEmail returns a user or nil when absent.
func (r *Repository) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, email, phone, gender, role, password_hash, active, created_at
		FROM users WHERE email = $1
	`, email)
	return scanUser(row)
}

// UpdateUser overwrites the mutable profile fields.
func (r *Repository) UpdateUser(ctx context.Context, u *User) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET first_name = $2, last_name = $3, phone = $4, gender = $5
		WHERE id = $1
	`, u.ID, u.FirstName, u.LastName, u.Phone, u.Gender)
	return err
}

// SetActive flips the activation flag.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET active = $2 WHERE id = $1`, id, active)
	return err
}

// SetPassword replaces the stored password hash.
func (r *Repository) SetPassword(ctx context.Context, id, hash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &u.Gender, &u.Role, &u.PasswordHash, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
