// Package db: user data access.
//
// Users are mostly created out-of-band (signup flows); the broker itself only
// creates "system users" for first-seen customer ids so that an agent can
// register before its owner ever logs in. Their trial licenses are handled in
// licenses.go.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// UserDB provides user account data access
type UserDB struct {
	db *sql.DB
}

// NewUserDB creates a new UserDB
func NewUserDB(db *sql.DB) *UserDB {
	return &UserDB{db: db}
}

const userColumns = `id, email, name, password_hash, account_status, created_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.AccountStatus, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user by primary key.
func (udb *UserDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := udb.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail fetches a user by email.
func (udb *UserDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := udb.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s not found", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new user. Password may be empty for system users.
func (udb *UserDB) CreateUser(ctx context.Context, email, name, password string) (*models.User, error) {
	user := &models.User{
		ID:            uuid.New().String(),
		Email:         email,
		AccountStatus: models.AccountStatusActive,
		CreatedAt:     time.Now(),
	}
	if name != "" {
		user.Name = &name
	}
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hashed)
		user.PasswordHash = &h
	}

	_, err := udb.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, account_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.AccountStatus, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// EnsureSystemUser returns the user owning the given customer id, creating a
// placeholder account when none exists. The synthetic email keeps the unique
// constraint satisfied until the customer claims the account.
func (udb *UserDB) EnsureSystemUser(ctx context.Context, customerID string) (*models.User, error) {
	email := fmt.Sprintf("customer-%s@system.screenlink.local", customerID)
	if u, err := udb.GetUserByEmail(ctx, email); err == nil {
		return u, nil
	}
	return udb.CreateUser(ctx, email, "", "")
}

// VerifyPassword authenticates a user by email and password.
func (udb *UserDB) VerifyPassword(ctx context.Context, email, password string) (*models.User, error) {
	u, err := udb.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u.PasswordHash == nil {
		return nil, fmt.Errorf("user %s has no password set", email)
	}
	if u.AccountStatus != models.AccountStatusActive {
		return nil, fmt.Errorf("account is %s", u.AccountStatus)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	return u, nil
}
