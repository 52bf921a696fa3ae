package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/taskman/internal/model"
)

// TestMiddlewareChain_BearerAuth_GETRequest は
// 認証ミドルウェアでGETリクエストが通ることを検証する。
func TestMiddlewareChain_BearerAuth_GETRequest(t *testing.T) {
	auth := acceptToken("valid-token", "user-1")

	handler := NewSecurityHeadersMiddleware()(
		NewBearerAuthMiddleware(auth)(okHandler()),
	)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

// TestMiddlewareChain_BearerAuth_POSTRequest は
// 認証ミドルウェアでPOSTリクエストがユーザーID付きで通ることを検証する。
func TestMiddlewareChain_BearerAuth_POSTRequest(t *testing.T) {
	auth := &mockAuthenticator{
		authenticateFn: func(ctx context.Context, rawToken string) (*model.User, error) {
			return &model.User{ID: "user-post"}, nil
		},
	}

	var gotUserID string
	handler := NewBearerAuthMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer any")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotUserID != "user-post" {
		t.Errorf("userID = %q, want %q", gotUserID, "user-post")
	}
}

// TestMiddlewareChain_NoToken_Returns401 は
// トークンなしのリクエストが後続に届かないことを検証する。
func TestMiddlewareChain_NoToken_Returns401(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.DiscardHandler))(
		NewBearerAuthMiddleware(&mockAuthenticator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		})),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/tasks/1", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRecoveryMiddleware_PanicReturns500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := chimw.RequestID(NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-panic")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value must not leak to the client")
	}
	if !strings.Contains(buf.String(), `"request_id":"req-panic"`) {
		t.Errorf("log should carry request_id, got %s", buf.String())
	}
}

func TestRecoveryMiddleware_UpgradedConnection_NoBody(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("after upgrade")
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestRecoveryMiddleware_ErrAbortHandler_Repanics(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tasks", nil))
}

func TestSecurityHeadersMiddleware_SetsAllHeaders(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))

	for _, kv := range apiSecurityHeaders {
		if got := w.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}
