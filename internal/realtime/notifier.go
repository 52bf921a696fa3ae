package realtime

import (
	"context"
	"log/slog"

	"github.com/hitoshi/taskman/internal/task"
)

// Broadcaster はアイデンティティの全接続へメッセージを配る。
type Broadcaster interface {
	Broadcast(identity string, msg []byte) int
}

// Publisher はメッセージをプロセス間バスへ送る。
// Publishは受信した購読者の数を返す。Subscribedは自インスタンスが購読中かを返す。
type Publisher interface {
	Publish(ctx context.Context, identity string, msg []byte) (int64, error)
	Subscribed() bool
}

var _ task.Notifier = (*Notifier)(nil)

// Notifier はtask.Notifierの実装。
// バスが設定されていればバス経由で全インスタンスへ、なければローカルのRegistryへ配信する。
// バス経由では自インスタンスの接続に届かないと判断した場合はローカルへ配信する。
type Notifier struct {
	local  Broadcaster
	bus    Publisher
	logger *slog.Logger
}

// NewNotifier はNotifierを生成する。
// localがnilの場合はバスへの送信のみ行う（ワーカープロセス向け）。
func NewNotifier(local Broadcaster, bus Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		local:  local,
		bus:    bus,
		logger: logger.With(slog.String("component", "realtime")),
	}
}

// Notify はタスク変更を所有者の接続へ通知する。失敗はログに残し、呼び出し元には返さない。
func (n *Notifier) Notify(ctx context.Context, ownerID string, kind task.EventKind, v task.View) {
	msg, err := EncodeTaskEvent(kind, v)
	if err != nil {
		n.logger.Error("failed to encode task event",
			slog.String("user_id", ownerID),
			slog.String("error", err.Error()),
		)
		return
	}

	if n.bus != nil {
		subscribed := n.bus.Subscribed()
		receivers, err := n.bus.Publish(ctx, ownerID, msg)
		switch {
		case err != nil:
			n.logger.Warn("failed to publish task event, delivering locally",
				slog.String("user_id", ownerID),
				slog.String("task_id", v.ID),
				slog.String("error", err.Error()),
			)
		case receivers == 0:
			n.logger.Debug("task event had no bus subscribers",
				slog.String("user_id", ownerID),
				slog.String("task_id", v.ID),
			)
		case !subscribed && n.local != nil:
			// バス経由では自インスタンスの接続に届かない
			n.logger.Warn("bus subscription is down, delivering locally",
				slog.String("user_id", ownerID),
				slog.String("task_id", v.ID),
			)
		default:
			return
		}
	}

	if n.local == nil {
		return
	}
	delivered := n.local.Broadcast(ownerID, msg)
	n.logger.Debug("task event delivered",
		slog.String("user_id", ownerID),
		slog.String("task_id", v.ID),
		slog.String("kind", string(kind)),
		slog.Int("connections", delivered),
	)
}
