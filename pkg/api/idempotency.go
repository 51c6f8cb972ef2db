package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
	at      time.Time
}

// IdempotencyStore remembers successful responses by Idempotency-Key.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewIdempotencyStore creates an in-memory store holding responses for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *IdempotencyStore) get(key string) (*cachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[key]
	if !ok || s.now().Sub(c.at) >= s.ttl {
		return nil, false
	}
	return c, true
}

func (s *IdempotencyStore) put(key string, c *cachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.at) >= s.ttl {
			delete(s.entries, k)
		}
	}
	c.at = now
	s.entries[key] = c
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent replays the stored response for a repeated POST carrying the
// same Idempotency-Key. Only 2xx responses are stored.
func Idempotent(store *IdempotencyStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		key = r.URL.Path + "\x00" + key

		if cached, ok := store.get(key); ok {
			for k, vals := range cached.headers {
				w.Header()[k] = append([]string(nil), vals...)
			}
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= 200 && capture.status < 300 {
			headers := w.Header().Clone()
			headers.Del("X-Request-ID")
			store.put(key, &cachedResponse{
				status:  capture.status,
				headers: headers,
				body:    bytes.Clone(capture.body.Bytes()),
			})
		}
	})
}
