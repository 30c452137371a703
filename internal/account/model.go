package account

import (
	"errors"
	"time"
)

// User is a credentials entity. Accounts start inactive and are activated by
// redeeming the emailed confirmation token.
type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	Gender       string    `json:"gender,omitempty"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("incorrect email or password")

	// ErrInactiveAccount blocks login until the account is confirmed.
	ErrInactiveAccount = errors.New("account not active")

	// ErrEmailTaken means the email is already registered.
	ErrEmailTaken = errors.New("email already registered")

	// ErrPasswordMismatch means password and its confirmation differ.
	ErrPasswordMismatch = errors.New("passwords do not match")

	// ErrUserNotFound means no user exists for the given key.
	ErrUserNotFound = errors.New("user does not exist")

	// ErrTokenExpired covers missing, expired and already-redeemed tokens.
	ErrTokenExpired = errors.New("token expired")
)
