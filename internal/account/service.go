package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"faceattend/internal/notify"
	"faceattend/internal/tokenstore"
)

// UserStore persists users.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	SetActive(ctx context.Context, id string, active bool) error
	SetPassword(ctx context.Context, id, hash string) error
}

// Service implements the account workflows: registration with emailed
// activation tokens, login, account confirmation and password reset.
type Service struct {
	users    UserStore
	tokens   tokenstore.Store
	notifier notify.Sender
	tokenTTL time.Duration
}

// NewService wires the account workflows.
func NewService(users UserStore, tokens tokenstore.Store, notifier notify.Sender, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 72 * time.Hour
	}
	if notifier == nil {
		notifier = notify.LogSender{}
	}
	return &Service{users: users, tokens: tokens, notifier: notifier, tokenTTL: tokenTTL}
}

// RegisterRequest carries the registration form.
type RegisterRequest struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Phone     string `json:"phone"`
	Gender    string `json:"gender"`
	Password  string `json:"password" binding:"required,min=8"`
	Password2 string `json:"password2" binding:"required"`
}

// Register creates an inactive user and emails an activation token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if req.Password != req.Password2 {
		return nil, ErrPasswordMismatch
	}
	existing, err := s.users.UserByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		Phone:        req.Phone,
		Gender:       req.Gender,
		Role:         "student",
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	if err := s.tokens.Issue(ctx, tokenstore.NamespaceAccount, token, u.ID, s.tokenTTL); err != nil {
		return nil, fmt.Errorf("issue activation token: %w", err)
	}
	s.email(ctx, u.Email, "Activate your account!", fmt.Sprintf("Your activation token is: %s", token))
	return u, nil
}

// Login checks credentials and returns the user. Inactive accounts are
// rejected after the password check so the error does not leak which emails
// exist.
func (s *Service) Login(ctx context.Context, email, password string) (*User, error) {
	u, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrInactiveAccount
	}
	return u, nil
}

// ConfirmAccount redeems an activation token and activates the account.
func (s *Service) ConfirmAccount(ctx context.Context, token string) (*User, error) {
	userID, err := s.tokens.Redeem(ctx, tokenstore.NamespaceAccount, token)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, err
	}
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	if err := s.users.SetActive(ctx, u.ID, true); err != nil {
		return nil, err
	}
	u.Active = true
	return u, nil
}

// ForgotPassword issues a reset token and emails it.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	token := uuid.NewString()
	if err := s.tokens.Issue(ctx, tokenstore.NamespacePasswordReset, token, u.ID, s.tokenTTL); err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	s.email(ctx, u.Email, "Reset password!", fmt.Sprintf("Your token to reset the password is: %s", token))
	return nil
}

// ChangePassword redeems a reset token and sets the new password.
func (s *Service) ChangePassword(ctx context.Context, token, password, password2 string) error {
	if password != password2 {
		return ErrPasswordMismatch
	}
	userID, err := s.tokens.Redeem(ctx, tokenstore.NamespacePasswordReset, token)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return ErrTokenExpired
	}
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.users.SetPassword(ctx, userID, string(hash))
}

// UpdateRequest carries the mutable profile fields.
type UpdateRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Gender    string `json:"gender"`
}

// Update overwrites profile fields that are set in the request.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*User, error) {
	u, err := s.users.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	if req.FirstName != "" {
		u.FirstName = req.FirstName
	}
	if req.LastName != "" {
		u.LastName = req.LastName
	}
	if req.Phone != "" {
		u.Phone = req.Phone
	}
	if req.Gender != "" {
		u.Gender = req.Gender
	}
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Me returns the user for a session subject.
func (s *Service) Me(ctx context.Context, id string) (*User, error) {
	u, err := s.users.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// email is best-effort; failures are logged and do not fail the workflow.
func (s *Service) email(ctx context.Context, recipient, subject, body string) {
	if err := s.notifier.Send(ctx, recipient, subject, body); err != nil {
		log.Printf("account: email to %s failed: %v", recipient, err)
	}
}
