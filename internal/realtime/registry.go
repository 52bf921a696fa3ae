package realtime

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Registry はアイデンティティごとの生存接続集合を管理する。
// 集合ごとに排他ロックを持ち、異なるアイデンティティの操作は並行に進む。
// 空になった集合はその場で削除され、空エントリは残らない。
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	logger  *slog.Logger
	metrics Metrics
}

// bucket は1アイデンティティ分の接続集合。
// deadは集合が空になり削除待ちであることを示し、以後は追加に使わない。
type bucket struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
	dead  bool
}

// NewRegistry はRegistryを生成する。metricsがnilの場合は計測しない。
func NewRegistry(logger *slog.Logger, metrics Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Registry{
		buckets: make(map[string]*bucket),
		logger:  logger.With(slog.String("component", "realtime")),
		metrics: metrics,
	}
}

// Register は接続をidentityの集合に追加する。
// 同じ接続を同じidentityに再登録しても何も起きない。
// 登録解除済みの接続にはErrConnClosedを返す。
func (r *Registry) Register(identity string, c *Conn) error {
	for {
		b := r.liveBucket(identity)

		b.mu.Lock()
		if b.dead {
			// 削除待ちの集合には追加せず、新しい集合を作り直す
			b.mu.Unlock()
			r.dropBucket(identity, b)
			continue
		}

		if _, ok := b.conns[c]; ok {
			b.mu.Unlock()
			return nil
		}

		if err := r.claim(c); err != nil {
			empty := r.markIfEmptyLocked(b)
			b.mu.Unlock()
			if empty {
				r.dropBucket(identity, b)
			}
			return err
		}

		b.conns[c] = struct{}{}
		count := len(b.conns)
		b.mu.Unlock()

		r.metrics.ConnectionOpened()
		r.logger.Info("websocket registered",
			slog.String("user_id", identity),
			slog.String("conn_id", c.id),
			slog.Int("connections", count),
		)
		return nil
	}
}

// Deregister は接続をidentityの集合から取り除く。
// 未登録や登録解除済みの接続に対しては何もしない。
func (r *Registry) Deregister(identity string, c *Conn) {
	b := r.lookup(identity)
	if b == nil {
		c.state.CompareAndSwap(stateUnauthenticated, stateDeregistered)
		return
	}

	b.mu.Lock()
	if _, ok := b.conns[c]; !ok {
		b.mu.Unlock()
		c.state.CompareAndSwap(stateUnauthenticated, stateDeregistered)
		return
	}
	r.removeLocked(b, c)
	empty := r.markIfEmptyLocked(b)
	b.mu.Unlock()

	if empty {
		r.dropBucket(identity, b)
	}
	r.logger.Info("websocket deregistered",
		slog.String("user_id", identity),
		slog.String("conn_id", c.id),
	)
}

// Broadcast はidentityの全接続へmsgを積み、成功した件数を返す。
// 積めなかった接続はその場で集合から外してクローズし、他の接続への配信は続ける。
func (r *Registry) Broadcast(identity string, msg []byte) int {
	b := r.lookup(identity)
	if b == nil {
		return 0
	}

	var failed []*Conn
	delivered := 0

	b.mu.Lock()
	for c := range b.conns {
		if err := c.enqueue(websocket.TextMessage, msg); err != nil {
			r.removeLocked(b, c)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	empty := r.markIfEmptyLocked(b)
	b.mu.Unlock()

	if empty {
		r.dropBucket(identity, b)
	}
	for _, c := range failed {
		r.metrics.SendFailed()
		r.logger.Warn("websocket send failed, dropping connection",
			slog.String("user_id", identity),
			slog.String("conn_id", c.id),
		)
		c.Close(websocket.CloseNormalClosure, "send buffer full")
	}
	return delivered
}

// Disconnect はidentityの全接続を登録解除し、codeとreasonでクローズする。
func (r *Registry) Disconnect(identity string, code int, reason string) int {
	b := r.lookup(identity)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		r.removeLocked(b, c)
		conns = append(conns, c)
	}
	empty := r.markIfEmptyLocked(b)
	b.mu.Unlock()

	if empty {
		r.dropBucket(identity, b)
	}
	for _, c := range conns {
		c.Close(code, reason)
	}
	if len(conns) > 0 {
		r.logger.Info("websocket connections disconnected",
			slog.String("user_id", identity),
			slog.Int("connections", len(conns)),
			slog.String("reason", reason),
		)
	}
	return len(conns)
}

// Revoke はアカウント削除などで無効になったidentityの接続を1008でクローズする。
func (r *Registry) Revoke(identity string) int {
	return r.Disconnect(identity, websocket.ClosePolicyViolation, "account withdrawn")
}

// CloseAll は全アイデンティティの接続をクローズする。シャットダウン時に使用する。
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	identities := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		identities = append(identities, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range identities {
		closed += r.Disconnect(id, code, reason)
	}
	return closed
}

// Identities は接続を持つアイデンティティの数を返す。
func (r *Registry) Identities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

// Connections はidentityに登録されている接続数を返す。
func (r *Registry) Connections(identity string) int {
	b := r.lookup(identity)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// claim は未認証の接続を登録済みに遷移させる。
func (r *Registry) claim(c *Conn) error {
	if c.closed() {
		c.state.CompareAndSwap(stateUnauthenticated, stateDeregistered)
		return ErrConnClosed
	}
	if c.state.CompareAndSwap(stateUnauthenticated, stateRegistered) {
		return nil
	}
	if c.state.Load() == stateRegistered {
		// 同じ集合にいる場合は呼び出し元で処理済み
		return ErrAlreadyRegistered
	}
	return ErrConnClosed
}

func (r *Registry) lookup(identity string) *bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[identity]
}

// liveBucket はidentityの集合を返し、なければ作成する。
func (r *Registry) liveBucket(identity string) *bucket {
	if b := r.lookup(identity); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[identity]
	if !ok {
		b = &bucket{conns: make(map[*Conn]struct{})}
		r.buckets[identity] = b
		r.metrics.IdentityAdded()
	}
	return b
}

// dropBucket はmapがまだbを指している場合に限り削除する。
// b.muを保持したまま呼んではならない。
func (r *Registry) dropBucket(identity string, b *bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets[identity] == b {
		delete(r.buckets, identity)
		r.metrics.IdentityRemoved()
	}
}

// removeLocked はb.muを保持した状態で接続を集合から外し、終端状態にする。
func (r *Registry) removeLocked(b *bucket, c *Conn) {
	delete(b.conns, c)
	c.state.Store(stateDeregistered)
	r.metrics.ConnectionClosed()
}

// markIfEmptyLocked は集合が空ならdeadにしてtrueを返す。
func (r *Registry) markIfEmptyLocked(b *bucket) bool {
	if len(b.conns) == 0 && !b.dead {
		b.dead = true
		return true
	}
	return false
}
