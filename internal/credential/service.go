// Package credential provides login/password registration and verification.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"taskboard/internal/store"
	"taskboard/internal/util"
)

const (
	MaxLoginLength    = 50
	MaxPasswordLength = 72 // bcrypt ignores anything past 72 bytes
)

var (
	ErrDuplicateIdentity = errors.New("login already registered")
	ErrInvalidCredential = errors.New("invalid login or password")
	ErrInvalidInput      = errors.New("invalid login or password format")
)

type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByLogin(ctx context.Context, login string) (store.User, error)
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(users UserStore, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: users, cost: cost}
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, login, password string) (store.User, error) {
	login = strings.TrimSpace(login)
	if err := validate(login, password); err != nil {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("usr"),
		Login:        login,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrDuplicateLogin) {
		return store.User{}, ErrDuplicateIdentity
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate never reveals whether the login or the password was wrong.
func (s *Service) Authenticate(ctx context.Context, login, password string) (store.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return store.User{}, ErrInvalidCredential
	}

	user, err := s.store.GetUserByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredential
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredential
	}
	return user, nil
}

func validate(login, password string) error {
	if login == "" || len(login) > MaxLoginLength {
		return fmt.Errorf("%w: login must be 1 to %d characters", ErrInvalidInput, MaxLoginLength)
	}
	for _, r := range login {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: login must not contain whitespace", ErrInvalidInput)
		}
	}
	if password == "" || len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be 1 to %d bytes", ErrInvalidInput, MaxPasswordLength)
	}
	return nil
}
