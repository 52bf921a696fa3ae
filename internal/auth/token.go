package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTokenTTL はttl未指定時のアクセストークン有効期間。
const DefaultTokenTTL = 15 * time.Minute

// TokenService はHS256署名付きのアクセストークンを発行・検証する。
// 状態を持たず、共有シークレットと時計だけに依存する。
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// WithClock は時計を差し替えたTokenServiceを返す。テストで使用する。
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	return &TokenService{secret: s.secret, now: now}
}

// Issue はsubjectをsubクレームに持つトークンを発行する。
// ttlが0以下の場合はDefaultTokenTTLを使用する。
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := s.now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify は署名と有効期限を検証し、subクレームを返す。
// 不正な形式、署名不一致、期限切れ、subの欠落はいずれも("", false)になる。
// now < exp の間だけ有効とみなす。
func (s *TokenService) Verify(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	// 1. 署名だけを検証してパースする
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return "", false
	}

	// 2. 注入された時計でexpを検証する
	err = jwt.Validate(tok,
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	)
	if err != nil {
		return "", false
	}

	sub := tok.Subject()
	if sub == "" {
		return "", false
	}
	return sub, true
}
