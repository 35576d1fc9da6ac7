package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookAuthMiddleware проверяет секретный токен Telegram-вебхука.
func WebhookAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(secretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "секретный токен недействителен", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerAuthMiddleware проверяет токен в заголовке Authorization.
// Пустой токен отключает проверку (локальная разработка).
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "токен недействителен", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
