// Package task はタスク管理のドメインロジックを提供する。
// 変更はコミット後に同期的にNotifierへ渡される。
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/security"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
)

// CreateInput はタスク作成の入力を表す。
type CreateInput struct {
	Title       string
	Description string
	Completed   bool
}

// Service はタスク管理のサービス層。
type Service struct {
	repo      repository.TaskRepository
	sanitizer security.TextSanitizerService
	notifier  Notifier
	recorder  MutationRecorder
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// notifierがnilの場合は通知しない。
func NewService(
	repo repository.TaskRepository,
	sanitizer security.TextSanitizerService,
	notifier Notifier,
) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		notifier:  notifier,
		now:       time.Now,
	}
}

// SetMutationRecorder はタスク変更件数の記録先を設定する。
func (s *Service) SetMutationRecorder(r MutationRecorder) {
	s.recorder = r
}

// List はユーザーのタスク一覧を作成日時順で返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]View, error) {
	tasks, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("タスク一覧の取得に失敗しました: %w", err)
	}
	return NewViews(tasks), nil
}

// Get はユーザーのタスクを1件返す。
func (s *Service) Get(ctx context.Context, ownerID, taskID string) (*View, error) {
	t, err := s.repo.FindByIDAndOwner(ctx, taskID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	v := NewView(t)
	return &v, nil
}

// Create はタスクを作成し、task_createdを通知する。
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*View, error) {
	// 1. 入力のサニタイズと検証
	title, description, err := s.cleanText(in.Title, in.Description)
	if err != nil {
		return nil, err
	}

	// 2. 永続化
	now := s.now()
	t := &model.Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Title:       title,
		Description: description,
		Completed:   in.Completed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}

	// 3. コミット後に通知
	v := NewView(t)
	s.publish(ctx, ownerID, EventCreated, v)
	return &v, nil
}

// Update はタスクを部分更新し、task_updatedを通知する。
func (s *Service) Update(ctx context.Context, ownerID, taskID string, upd model.TaskUpdate) (*View, error) {
	if upd.IsEmpty() {
		return nil, model.NewInvalidTaskError("更新する項目がありません")
	}

	// 1. 入力のサニタイズと検証
	if upd.Title != nil {
		title := s.sanitizer.Sanitize(*upd.Title)
		if err := validateTitle(title); err != nil {
			return nil, err
		}
		upd.Title = &title
	}
	if upd.Description != nil {
		description := s.sanitizer.Sanitize(*upd.Description)
		if err := validateDescription(description); err != nil {
			return nil, err
		}
		upd.Description = &description
	}

	// 2. 既存タスクに適用
	t, err := s.repo.FindByIDAndOwner(ctx, taskID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	upd.Apply(t)
	t.UpdatedAt = s.now()

	ok, err := s.repo.Update(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("タスクの更新に失敗しました: %w", err)
	}
	if !ok {
		// 取得後に削除された
		return nil, model.NewTaskNotFoundError(taskID)
	}

	// 3. コミット後に通知
	v := NewView(t)
	s.publish(ctx, ownerID, EventUpdated, v)
	return &v, nil
}

// Delete はタスクを削除し、task_deletedを通知する。
func (s *Service) Delete(ctx context.Context, ownerID, taskID string) error {
	t, err := s.repo.DeleteByIDAndOwner(ctx, taskID, ownerID)
	if err != nil {
		return fmt.Errorf("タスクの削除に失敗しました: %w", err)
	}
	if t == nil {
		return model.NewTaskNotFoundError(taskID)
	}

	s.publish(ctx, ownerID, EventDeleted, NewView(t))
	return nil
}

// publish は通知と件数記録を行う。通知の失敗は呼び出し元に影響しない。
func (s *Service) publish(ctx context.Context, ownerID string, kind EventKind, v View) {
	if s.recorder != nil {
		s.recorder.RecordTaskMutation(string(kind))
	}
	slog.Debug("task mutated",
		slog.String("user_id", ownerID),
		slog.String("task_id", v.ID),
		slog.String("kind", string(kind)),
	)
	s.notifier.Notify(ctx, ownerID, kind, v)
}

func (s *Service) cleanText(rawTitle, rawDescription string) (string, string, error) {
	title := s.sanitizer.Sanitize(rawTitle)
	if err := validateTitle(title); err != nil {
		return "", "", err
	}
	description := s.sanitizer.Sanitize(rawDescription)
	if err := validateDescription(description); err != nil {
		return "", "", err
	}
	return title, description, nil
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	switch {
	case n == 0:
		return model.NewInvalidTaskError("タイトルは必須です")
	case n > maxTitleLen:
		return model.NewInvalidTaskError("タイトルが長すぎます")
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return model.NewInvalidTaskError("説明が長すぎます")
	}
	return nil
}
