package realtime

// Metrics はリアルタイム配信の計測点。
// metrics.Collectorが実装する。
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	IdentityAdded()
	IdentityRemoved()
	AuthFailed(reason string)
	MessageSent()
	SendFailed()
	ProbeSent()
}

// 認証失敗の理由ラベル
const (
	ReasonMissingToken  = "missing_token"
	ReasonInvalidToken  = "invalid_token"
	ReasonUnknownUser   = "unknown_user"
	ReasonResolverError = "resolver_error"
)

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed() {}
func (nopMetrics) IdentityAdded() {}
func (nopMetrics) IdentityRemoved() {}
func (nopMetrics) AuthFailed(string) {}
func (nopMetrics) MessageSent() {}
func (nopMetrics) SendFailed() {}
func (nopMetrics) ProbeSent() {}
