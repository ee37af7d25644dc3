package credential

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"taskboard/internal/store"
)

type mockUserStore struct {
	users     map[string]store.User
	createErr error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User)}
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	if m.createErr != nil {
		return store.User{}, m.createErr
	}
	if _, ok := m.users[user.Login]; ok {
		return store.User{}, store.ErrDuplicateLogin
	}
	m.users[user.Login] = user
	return user, nil
}

func (m *mockUserStore) GetUserByLogin(_ context.Context, login string) (store.User, error) {
	user, ok := m.users[login]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	users := newMockUserStore()
	svc := NewService(users, bcrypt.MinCost)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  alice ", "s3cret")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Login != "alice" || !strings.HasPrefix(user.ID, "usr_") {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "s3cret" {
		t.Fatal("password stored in plain text")
	}

	got, err := svc.Authenticate(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("Authenticate returned %s, want %s", got.ID, user.ID)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := NewService(newMockUserStore(), bcrypt.MinCost)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "one"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "two"); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newMockUserStore(), bcrypt.MinCost)
	cases := []struct {
		name     string
		login    string
		password string
	}{
		{name: "empty login", login: "  ", password: "x"},
		{name: "long login", login: strings.Repeat("a", MaxLoginLength+1), password: "x"},
		{name: "login with space", login: "al ice", password: "x"},
		{name: "empty password", login: "alice", password: ""},
		{name: "long password", login: "alice", password: strings.Repeat("p", MaxPasswordLength+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(context.Background(), tc.login, tc.password); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAuthenticateFailures(t *testing.T) {
	users := newMockUserStore()
	svc := NewService(users, bcrypt.MinCost)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "right"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, tc := range []struct{ login, password string }{
		{"alice", "wrong"},
		{"nobody", "right"},
		{"", ""},
	} {
		if _, err := svc.Authenticate(ctx, tc.login, tc.password); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Authenticate(%q, %q): expected ErrInvalidCredential, got %v", tc.login, tc.password, err)
		}
	}
}

func TestRegisterWrapsStoreFailure(t *testing.T) {
	users := newMockUserStore()
	users.createErr = errors.New("disk full")
	svc := NewService(users, bcrypt.MinCost)
	_, err := svc.Register(context.Background(), "alice", "pw")
	if err == nil || errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
