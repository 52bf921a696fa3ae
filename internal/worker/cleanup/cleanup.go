// Package cleanup は完了済みタスクの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超えて更新されていない完了済みタスクを
// 定期バッチで削除し、削除したタスクごとにtask_deletedを通知する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/task"
)

const defaultInterval = 24 * time.Hour

// TaskDeleter は完了済みタスクの一括削除を行う。
// repository.TaskRepositoryが満たす。
type TaskDeleter interface {
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) ([]*model.Task, error)
}

// Recorder はクリーンアップ結果をメトリクスに記録する。
type Recorder interface {
	RecordCleanup(deleted int, duration time.Duration)
}

// CleanupJob は保持期間を超過した完了済みタスクの自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	tasks         TaskDeleter
	notifier      task.Notifier
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 完了済みタスクの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// notifierとrecorderはnilでもよい。デフォルトの保持日数は30日。
func NewCleanupJob(tasks TaskDeleter, notifier task.Notifier, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		tasks:         tasks,
		notifier:      notifier,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過した完了済みタスクを削除する。
// updated_atがRetentionDays日前より古いタスクが対象。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	// 1. 削除
	deleted, err := j.tasks.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("タスククリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("タスククリーンアップの実行に失敗: %w", err)
	}

	// 2. 所有者の接続へ削除を通知
	if j.notifier != nil {
		for _, t := range deleted {
			j.notifier.Notify(ctx, t.OwnerID, task.EventDeleted, task.NewView(t))
		}
	}

	duration := time.Since(start)
	if j.recorder != nil {
		j.recorder.RecordCleanup(len(deleted), duration)
	}

	j.logger.Info("タスククリーンアップジョブが完了しました",
		slog.Int("deleted_count", len(deleted)),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
// intervalが0以下の場合は24時間間隔とする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
