package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"taskboard/internal/auth"
	"taskboard/internal/config"
	"taskboard/internal/credential"
	"taskboard/internal/protocol"
	"taskboard/internal/search"
	"taskboard/internal/session"
	"taskboard/internal/store"
	"taskboard/internal/util"
)

// DataStore is the task store the service runs on. Both store.PostgresStore
// and store.MemoryStore satisfy it.
type DataStore interface {
	Ping(context.Context) error
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByLogin(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateTask(context.Context, store.Task) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	ListTasksForUser(context.Context, string) ([]store.Task, error)
	ShareTask(context.Context, string, string, []string) (store.ShareResult, error)
	CompleteTask(context.Context, string, string) (store.CompletionResult, error)
	DeleteTask(context.Context, string, string) error
}

type Options struct {
	Store      DataStore
	Restore    session.RestoreStore
	Tokens     *auth.Issuer
	Search     *search.Service
	Logger     *zap.Logger
	BcryptCost int
}

type Service struct {
	store     DataStore
	creds     *credential.Service
	restore   session.RestoreStore
	tokens    *auth.Issuer
	search    *search.Service
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
	now       func() time.Time
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	restore := opts.Restore
	if restore == nil {
		restore = session.NewMemoryRestoreStore()
	}
	tokens := opts.Tokens
	if tokens == nil {
		defaults := config.Defaults()
		tokens = auth.NewIssuer(defaults.TokenSecret, defaults.RestoreTTL)
	}
	searchSvc := opts.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, search.NewScan(opts.Store), logger)
	}
	return &Service{
		store:     opts.Store,
		creds:     credential.NewService(opts.Store, opts.BcryptCost),
		restore:   restore,
		tokens:    tokens,
		search:    searchSvc,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       time.Now,
	}
}

// Ping checks every backing service the realtime endpoint depends on.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.restore.Ping(ctx); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	return nil
}

// Seed registers "login:password" users, skipping ones that already exist.
func (s *Service) Seed(ctx context.Context, seeds []string) error {
	for _, seed := range seeds {
		login, password, ok := config.SplitSeed(seed)
		if !ok {
			return fmt.Errorf("invalid seed user %q", seed)
		}
		_, err := s.creds.Register(ctx, login, password)
		if errors.Is(err, credential.ErrDuplicateIdentity) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", login, err)
		}
		s.logger.Info("seeded user", zap.String("login", login))
	}
	return nil
}

// AuthResult is returned by register, login and restore. TokenID is the JTI
// of Token and is what logout revokes.
type AuthResult struct {
	Identity session.Identity
	User     protocol.User
	Token    string
	TokenID  string
}

func (s *Service) Register(ctx context.Context, login, password string) (AuthResult, error) {
	user, err := s.creds.Register(ctx, login, password)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, login, password string) (AuthResult, error) {
	user, err := s.creds.Authenticate(ctx, login, password)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issueSession(ctx, user)
}

// RestoreSession re-attaches a cached identity. The presented token is
// rotated: its JTI is revoked and a fresh token is issued.
func (s *Service) RestoreSession(ctx context.Context, login, token string) (AuthResult, error) {
	claims, err := s.tokens.Parse(strings.TrimSpace(token))
	if err != nil {
		return AuthResult{}, err
	}
	if claims.Login != strings.TrimSpace(login) {
		return AuthResult{}, auth.ErrInvalidToken
	}
	identity, err := s.restore.LookupRestore(ctx, claims.ID)
	if err != nil {
		return AuthResult{}, err
	}
	if identity.UserID != claims.Subject {
		return AuthResult{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return AuthResult{}, auth.ErrInvalidToken
	}
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.restore.RevokeRestore(ctx, claims.ID); err != nil {
		return AuthResult{}, err
	}
	return s.issueSession(ctx, user)
}

// Logout revokes the restore token the connection was last issued.
func (s *Service) Logout(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	return s.restore.RevokeRestore(ctx, tokenID)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (AuthResult, error) {
	jti := util.NewID("rst")
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Login, jti)
	if err != nil {
		return AuthResult{}, err
	}
	identity := session.Identity{UserID: user.ID, Login: user.Login}
	if err := s.restore.SaveRestore(ctx, jti, identity, expiresAt); err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Identity: identity,
		User:     userView(user),
		Token:    token,
		TokenID:  jti,
	}, nil
}

func requireIdentity(identity session.Identity) error {
	if identity.UserID == "" {
		return errUnauthenticated
	}
	return nil
}

// cleanText strips all markup and surrounding whitespace from user text.
func (s *Service) cleanText(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(value)))
}
