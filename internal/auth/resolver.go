package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// userFinder はユーザー名でユーザーを検索する。
type userFinder interface {
	FindByUsername(ctx context.Context, username string) (*model.User, error)
}

// Resolver は検証済みのsubjectを永続化されたユーザーに解決する。
type Resolver struct {
	users userFinder
}

// NewResolver はResolverを生成する。
func NewResolver(users repository.UserRepository) *Resolver {
	return &Resolver{users: users}
}

// Resolve はsubjectに対応するユーザーを返す。
// 存在しない場合は(nil, nil)、永続化層の失敗時は(nil, err)を返す。
func (r *Resolver) Resolve(ctx context.Context, subject string) (*model.User, error) {
	if subject == "" {
		return nil, nil
	}
	user, err := r.users.FindByUsername(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	return user, nil
}
