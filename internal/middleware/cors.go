package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE"
	corsAllowHeaders = "Authorization, Content-Type"
	corsMaxAge       = "600"
)

// NewCORSMiddleware は単一オリジン向けのCORSミドルウェアを返す。
// allowedOriginが"*"なら任意のオリジンを許可する。
// 認証はAuthorizationヘッダーで行うためAllow-Credentialsは付けない。
//
// Originが一致しないプリフライトは403で打ち切る。
// 一致しない通常リクエストはCORSヘッダーなしで通し、ブラウザ側で遮断させる。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !originAllowed(allowedOrigin, origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if allowedOrigin == "*" {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if !preflight {
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// originAllowed はスキームとホストの大文字小文字を区別せずにOriginを照合する。
func originAllowed(allowed, origin string) bool {
	if allowed == "*" {
		return true
	}
	return allowed != "" && strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
}
