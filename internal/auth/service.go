// Package auth はアクセストークンの発行・検証、ユーザー登録とログインを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 8
	// bcryptは72バイトを超える入力を扱えない
	maxPasswordLen = 72
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL time.Duration // ログイン時に発行するトークンの有効期間
	BcryptCost     int           // 0の場合はbcrypt.DefaultCost
}

// TokenIssuer はアクセストークンの発行・検証を行う。
type TokenIssuer interface {
	Issue(subject string, ttl time.Duration) (string, error)
	Verify(raw string) (string, bool)
}

// IdentityResolver は検証済みsubjectをユーザーに解決する。
type IdentityResolver interface {
	Resolve(ctx context.Context, subject string) (*model.User, error)
}

// Service はユーザー登録、ログイン、ベアラートークン認証を提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   TokenIssuer
	resolver IdentityResolver
	config   ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	tokens TokenIssuer,
	resolver IdentityResolver,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo: userRepo,
		tokens:   tokens,
		resolver: resolver,
		config:   config,
	}
}

// Register はユーザーを登録する。
// ユーザー名が既に使われている場合はUSERNAME_TAKENを返す。
func (s *Service) Register(ctx context.Context, username, password string) (*model.User, error) {
	// 1. 入力検証
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	// 2. 重複チェック
	existing, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if existing != nil {
		return nil, model.NewUsernameTakenError(username)
	}

	// 3. パスワードをハッシュ化して作成
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUsername) {
			return nil, model.NewUsernameTakenError(username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return user, nil
}

// Login は認証情報を照合し、アクセストークンを発行する。
// ユーザー名とパスワードのどちらが誤っているかは区別しない。
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return "", model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", model.NewInvalidCredentialsError()
	}

	token, err := s.tokens.Issue(user.Username, s.config.AccessTokenTTL)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("access token issued", slog.String("user_id", user.ID))
	return token, nil
}

// Authenticate はベアラートークンを検証してユーザーを返す。
// トークンが無効、またはユーザーが存在しない場合はUNAUTHORIZEDを返す。
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*model.User, error) {
	subject, ok := s.tokens.Verify(rawToken)
	if !ok {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.resolver.Resolve(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	return user, nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	switch {
	case n < minUsernameLen:
		return model.NewInvalidUsernameError("too short")
	case n > maxUsernameLen:
		return model.NewInvalidUsernameError("too long")
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case len(password) < minPasswordLen:
		return model.NewInvalidPasswordError("too short")
	case len(password) > maxPasswordLen:
		return model.NewInvalidPasswordError("too long")
	}
	return nil
}
