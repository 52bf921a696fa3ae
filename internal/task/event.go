package task

import (
	"context"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// EventKind はタスクの変更種別を表す。
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// View はAPI応答とリアルタイム通知で共有するタスクの表現。
type View struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewView はタスクモデルからViewを生成する。
func NewView(t *model.Task) View {
	return View{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// NewViews はタスク一覧をViewに変換する。空の場合も非nilのスライスを返す。
func NewViews(tasks []*model.Task) []View {
	views := make([]View, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewView(t))
	}
	return views
}

// Notifier はコミット済みのタスク変更を所有者へ通知する。
// 実装はエラーを返さず、遅いピアでブロックしてはならない。
type Notifier interface {
	Notify(ctx context.Context, ownerID string, kind EventKind, v View)
}

// MutationRecorder はタスク変更件数を記録する。
type MutationRecorder interface {
	RecordTaskMutation(kind string)
}

// nopNotifier は通知先がない場合に使用する。
type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, EventKind, View) {}
