package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// StaffMiddleware ограничивает доступ к служебным эндпоинтам по токену персонала.
type StaffMiddleware struct {
	token []byte
}

// NewStaffMiddleware создаёт middleware с указанным токеном персонала.
// Пустой токен заменяется случайным: служебные маршруты остаются закрытыми.
func NewStaffMiddleware(token string) *StaffMiddleware {
	key := []byte(token)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = []byte(hex.EncodeToString(randomKey))
		} else {
			key = []byte("disabled")
		}
	}

	return &StaffMiddleware{token: key}
}

// Middleware проверяет заголовок Authorization и пропускает запрос дальше
// только при совпадении токена.
func (m *StaffMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		got := strings.TrimPrefix(auth, bearerPrefix)
		if !hmac.Equal([]byte(got), m.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Authorized сообщает, содержит ли запрос действительный токен персонала.
func (m *StaffMiddleware) Authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		return false
	}
	return hmac.Equal([]byte(strings.TrimPrefix(auth, bearerPrefix)), m.token)
}
