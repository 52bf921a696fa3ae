// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// ConnectionRevoker はユーザーのリアルタイム接続を切断するインターフェース。
// realtime.Registryが実装する。
type ConnectionRevoker interface {
	Revoke(identity string) int
}

// Service はユーザー管理のサービス層。
// 現在のユーザー取得と退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	conns    ConnectionRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
// connsがnilの場合は接続の切断を行わない。
func NewService(userRepo repository.UserRepository, conns ConnectionRevoker) *Service {
	return &Service{
		userRepo: userRepo,
		conns:    conns,
	}
}

// Get はユーザーを取得する。存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Withdraw はユーザーの退会処理を実行する。
// ユーザーを削除し（tasksはCASCADE削除）、残っているWebSocket接続を切断する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. ユーザーを削除（tasksはCASCADE削除）
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		// Getとの間に別リクエストで削除された
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	// 2. 削除済みユーザーの接続を切断
	closed := 0
	if s.conns != nil {
		closed = s.conns.Revoke(userID)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
		slog.Int("closed_connections", closed),
	)

	return nil
}
