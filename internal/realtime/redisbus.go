package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// redisClient はRedisBusがgo-redisに求めるメソッド。
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

var _ redisClient = (*redis.Client)(nil)

// errSubscriptionClosed は購読チャネルがctxのキャンセル以外で閉じられたことを示す。
var errSubscriptionClosed = errors.New("redis subscription channel closed")

// busEnvelope はチャネルに流すJSON。
type busEnvelope struct {
	Owner   string          `json:"owner"`
	Message json.RawMessage `json:"message"`
}

// RedisBus はRedis Pub/Subで複数インスタンスへタスク変更を中継する。
// Publishで送ったメッセージは購読している全インスタンス（自身を含む）のRegistryへ届く。
type RedisBus struct {
	client  redisClient
	channel string
	local   Broadcaster
	logger  *slog.Logger

	sub        *redis.PubSub
	subscribed atomic.Bool
}

// NewRedisBus はRedisBusを生成する。
func NewRedisBus(client redisClient, channel string, local Broadcaster, logger *slog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if channel == "" {
		return nil, fmt.Errorf("redis channel cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.With(slog.String("component", "redis_bus"), slog.String("channel", channel)),
	}, nil
}

// Publish はidentity宛てのメッセージをチャネルへ送り、受信した購読者の数を返す。
// Redisは購読者がいなくてもPUBLISHを受け付けるため、0は配信先がなかったことを意味する。
func (b *RedisBus) Publish(ctx context.Context, identity string, msg []byte) (int64, error) {
	payload, err := json.Marshal(busEnvelope{Owner: identity, Message: msg})
	if err != nil {
		return 0, fmt.Errorf("marshal bus envelope: %w", err)
	}
	receivers, err := b.client.Publish(ctx, b.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return receivers, nil
}

// Subscribed はこのインスタンスがチャネルを購読中かを返す。
func (b *RedisBus) Subscribed() bool {
	return b.subscribed.Load()
}

// Subscribe はチャネルを購読し、確立を待つ。
// 起動時に呼び、失敗した場合はサーバーを起動しない。
func (b *RedisBus) Subscribe(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.sub = sub
	b.subscribed.Store(true)
	b.logger.Info("redis bus subscribed")
	return nil
}

// Run は購読したチャネルから受信し、ローカルへ配信する。
// Subscribeが呼ばれていなければ先に購読する。
// ctxのキャンセルではnilを、購読が途切れた場合はエラーを返す。
func (b *RedisBus) Run(ctx context.Context) error {
	if b.sub == nil {
		if err := b.Subscribe(ctx); err != nil {
			return err
		}
	}
	sub := b.sub
	defer func() {
		b.subscribed.Store(false)
		_ = sub.Close()
	}()

	return b.consume(ctx, sub.Channel())
}

func (b *RedisBus) consume(ctx context.Context, ch <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("redis bus stopped")
			return nil
		case m, ok := <-ch:
			if !ok {
				b.logger.Warn("redis subscription channel closed")
				return errSubscriptionClosed
			}
			b.handleMessage(m)
		}
	}
}

func (b *RedisBus) handleMessage(m *redis.Message) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		b.logger.Warn("discarding malformed bus message", slog.String("error", err.Error()))
		return
	}
	if env.Owner == "" || len(env.Message) == 0 {
		b.logger.Warn("discarding incomplete bus message")
		return
	}
	if b.local == nil {
		return
	}
	b.local.Broadcast(env.Owner, env.Message)
}
