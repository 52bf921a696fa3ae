package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		LoginRate:       1,
		LoginBurst:      2,
		CleanupInterval: 1 * time.Minute,
	}
}

func requestAsUser(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(context.WithValue(req.Context(), userIDContextKey, userID))
}

func requestFromIP(method, path, ip string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":54321"
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralRate = 2
	cfg.GeneralBurst = 5

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser(http.MethodGet, "/tasks", "user-1"))

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser(http.MethodGet, "/tasks", "user-rate-limit"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser(http.MethodGet, "/tasks", "user-rate-limit"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter := w.Header().Get("Retry-After")
	sec, err := strconv.Atoi(retryAfter)
	if err != nil || sec < 1 {
		t.Errorf("Retry-After = %q, want positive integer", retryAfter)
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestAsUser(http.MethodGet, "/tasks", "user-a"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestAsUser(http.MethodGet, "/tasks", "user-a"))
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, requestAsUser(http.MethodGet, "/tasks", "user-b"))

	if w1.Code != http.StatusOK {
		t.Errorf("user-a first: status = %d, want %d", w1.Code, http.StatusOK)
	}
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("user-a second: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if w3.Code != http.StatusOK {
		t.Errorf("user-b should not be affected: status = %d, want %d", w3.Code, http.StatusOK)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- LoginMiddleware のテスト ---

func TestLoginRateLimit_KeyedByClientIP(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.LoginBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestFromIP(http.MethodPost, "/token", "203.0.113.10"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestFromIP(http.MethodPost, "/token", "203.0.113.10"))
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, requestFromIP(http.MethodPost, "/token", "198.51.100.7"))

	if w1.Code != http.StatusOK {
		t.Errorf("first: status = %d, want %d", w1.Code, http.StatusOK)
	}
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second from same IP: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if w3.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", w3.Code, http.StatusOK)
	}
	if rl.LoginLimiterCount() != 2 {
		t.Errorf("LoginLimiterCount = %d, want 2", rl.LoginLimiterCount())
	}
}

func TestLoginRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	cfg.LoginBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	login := rl.LoginMiddleware()(okHandler())

	// 一般リミットを使い切る
	general.ServeHTTP(httptest.NewRecorder(), requestAsUser(http.MethodGet, "/tasks", "user-x"))

	w := httptest.NewRecorder()
	login.ServeHTTP(w, requestFromIP(http.MethodPost, "/token", "192.0.2.1"))
	if w.Code != http.StatusOK {
		t.Errorf("login should still be allowed: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.LoginBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestFromIP(http.MethodPost, "/token", "192.0.2.2"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromIP(http.MethodPost, "/token", "192.0.2.2"))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeRateLimited)
	}
	if body["category"] != "system" {
		t.Errorf("category = %q, want system", body["category"])
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 10 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAsUser(http.MethodGet, "/tasks", "user-old"))
	rl.LoginMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFromIP(http.MethodPost, "/token", "192.0.2.3"))

	if rl.GeneralLimiterCount() != 1 || rl.LoginLimiterCount() != 1 {
		t.Fatalf("expected one entry each, got general=%d login=%d", rl.GeneralLimiterCount(), rl.LoginLimiterCount())
	}

	// TTLはCleanupIntervalの2倍
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rl.GeneralLimiterCount() == 0 && rl.LoginLimiterCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("entries were not cleaned up: general=%d login=%d", rl.GeneralLimiterCount(), rl.LoginLimiterCount())
}

func TestRateLimitMiddleware_InChainWithAuthAndCORS(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	auth := &mockAuthenticator{
		authenticateFn: func(ctx context.Context, rawToken string) (*model.User, error) {
			return &model.User{ID: "user-chain"}, nil
		},
	}

	handler := NewCORSMiddleware("http://localhost:3000")(
		NewBearerAuthMiddleware(auth)(
			rl.GeneralMiddleware()(okHandler()),
		),
	)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
		req.Header.Set("Authorization", "Bearer any")
		return req
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, newReq())
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, newReq())

	if w1.Code != http.StatusOK {
		t.Errorf("first: status = %d, want %d", w1.Code, http.StatusOK)
	}
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if got := w2.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("CORS header missing on 429: %q", got)
	}
}

func TestNewRateLimiterConfig_PerMinute(t *testing.T) {
	cfg := NewRateLimiterConfig(60, 6)

	if cfg.GeneralRate != 1 {
		t.Errorf("GeneralRate = %v, want 1", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 60 {
		t.Errorf("GeneralBurst = %d, want 60", cfg.GeneralBurst)
	}
	if cfg.LoginRate != 0.1 {
		t.Errorf("LoginRate = %v, want 0.1", cfg.LoginRate)
	}
	if cfg.LoginBurst != 6 {
		t.Errorf("LoginBurst = %d, want 6", cfg.LoginBurst)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.LoginBurst != 10 {
		t.Errorf("LoginBurst = %d, want 10", cfg.LoginBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.10:1234", "203.0.113.10"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.10", "203.0.113.10"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
