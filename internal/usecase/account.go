package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/emotune/internal/auth"
	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/repository"
)

var (
	ErrMissingCredentials = errors.New("username and password are required")
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// UserRepository defines the persistence operations needed for accounts.
type UserRepository interface {
	Create(ctx context.Context, user *repository.User) error
	FindByUsername(ctx context.Context, username string) (*repository.User, error)
}

// Session is what a successful login returns.
type Session struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AccountUseCase registers users and logs them in.
type AccountUseCase struct {
	users  UserRepository
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

func NewAccountUseCase(users UserRepository, tokens *auth.TokenIssuer, logger *zap.Logger) *AccountUseCase {
	return &AccountUseCase{
		users:  users,
		tokens: tokens,
		logger: logger.Named("account_usecase"),
	}
}

// Register stores a new user with a bcrypt password hash.
func (uc *AccountUseCase) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return logging.NewOperationError("usecase.hash_password", "", err)
	}

	if err := uc.users.Create(ctx, &repository.User{Username: username, PasswordHash: hash}); err != nil {
		if errors.Is(err, repository.ErrDuplicateUsername) {
			return ErrUserExists
		}
		uc.logger.Error("failed to create user", zap.String("username", username), zap.Error(err))
		return logging.NewOperationError("usecase.register", "", err)
	}
	uc.logger.Info("user registered", zap.String("username", username))
	return nil
}

// Login checks credentials and issues a bearer token.
func (uc *AccountUseCase) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := uc.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, logging.NewOperationError("usecase.login", "", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := uc.tokens.Issue(user.Username)
	if err != nil {
		return nil, logging.NewOperationError("usecase.issue_token", "", err)
	}
	return &Session{Username: user.Username, Token: token, ExpiresAt: expiresAt}, nil
}
