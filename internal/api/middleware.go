package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/blagajna/internal/store"
)

// APIKeyHeader carries the local API key.
const APIKeyHeader = "X-API-Key"

// keyCache remembers the last key that matched the stored hash so bcrypt
// runs once per key instead of once per request.
type keyCache struct {
	mu   sync.Mutex
	hash string
	key  string
}

func (c *keyCache) matches(hash, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash == hash && subtle.ConstantTimeCompare([]byte(c.key), []byte(key)) == 1
}

func (c *keyCache) remember(hash, key string) {
	c.mu.Lock()
	c.hash, c.key = hash, key
	c.mu.Unlock()
}

// APIKeyMiddleware checks the local API key against the bcrypt hash kept in
// the settings table. The key may be sent in the X-API-Key header, as a
// bearer token, or as a key query parameter for WebSocket clients.
func APIKeyMiddleware(db *sql.DB) func(http.Handler) http.Handler {
	cache := &keyCache{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			if key == "" {
				jsonError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			hash, err := store.APIKeyHash(r.Context(), db)
			if err != nil {
				slog.Error("reading api key hash", "error", err)
				jsonError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if hash == "" {
				jsonError(w, http.StatusUnauthorized, "api key not configured")
				return
			}

			if !cache.matches(hash, key) {
				if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
					slog.Warn("rejected api key", "remote", r.RemoteAddr, "path", r.URL.Path)
					jsonError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				cache.remember(hash, key)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("key")
}

// CORSMiddleware allows the till UI served from origin to call the API.
// An empty origin disables cross-origin access.
func CORSMiddleware(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", APIKeyHeader},
		MaxAge:         600,
	}).Handler
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LoggingMiddleware logs HTTP requests with method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
