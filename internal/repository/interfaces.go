// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// ErrDuplicateUsername はユーザー名の一意制約違反を表す。
var ErrDuplicateUsername = errors.New("username already exists")

// ErrUserNotFound は削除対象のユーザーが存在しないことを表す。
var ErrUserNotFound = errors.New("user not found")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateUsernameを返す。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。関連するtasksはCASCADE削除される。
	// 該当行がなければErrUserNotFoundを返す。
	DeleteByID(ctx context.Context, id string) error
}

// TaskRepository はタスクデータの永続化インターフェース。
// すべての読み書きは所有者IDで絞り込まれ、他ユーザーのタスクには触れない。
type TaskRepository interface {
	// ListByOwner は所有者のタスクをcreated_at, idの昇順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Task, error)

	// FindByIDAndOwner は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Task, error)

	// Create はタスクを作成する。
	Create(ctx context.Context, task *model.Task) error

	// Update はタイトル、説明、完了状態、更新日時を上書きする。
	// 対象が存在しない場合はfalseを返す。
	Update(ctx context.Context, task *model.Task) (bool, error)

	// DeleteByIDAndOwner はタスクを削除し、削除した行を返す。見つからない場合はnilを返す。
	DeleteByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Task, error)

	// DeleteCompletedBefore はcutoffより前に更新された完了済みタスクを削除し、削除した行を返す。
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) ([]*model.Task, error)
}
