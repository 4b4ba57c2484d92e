package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/Mindburn-Labs/tradegate/pkg/idempotency"
)

// CachedResponse is a previously served response kept for replay.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ResponseCache stores responses by idempotency key.
type ResponseCache interface {
	Check(key string) (*CachedResponse, bool)
	Set(key string, resp *CachedResponse)
}

// MemoryResponseCache is a ristretto-backed ResponseCache with a fixed TTL.
type MemoryResponseCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewMemoryResponseCache bounds the cache by total body bytes.
func NewMemoryResponseCache(maxBytes int64, ttl time.Duration) (*MemoryResponseCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &MemoryResponseCache{c: c, ttl: ttl}, nil
}

func (m *MemoryResponseCache) Check(key string) (*CachedResponse, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*CachedResponse)
	return resp, ok
}

func (m *MemoryResponseCache) Set(key string, resp *CachedResponse) {
	m.c.SetWithTTL(key, resp, int64(len(resp.Body))+1, m.ttl)
	m.c.Wait()
}

func (m *MemoryResponseCache) Close() { m.c.Close() }

// responseCapture tees the response body so it can be cached.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first 2xx response for a repeated
// Idempotency-Key on mutating requests. Keys are scoped per caller and path.
// While a request holds a key in inflight, a concurrent request with the
// same key gets 409 instead of executing a second time.
func IdempotencyMiddleware(cache ResponseCache, inflight idempotency.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" || cache == nil {
				next.ServeHTTP(w, r)
				return
			}
			subject := ""
			if p, ok := PrincipalFrom(r.Context()); ok {
				subject = p.Subject
			}
			scoped := subject + "|" + r.URL.Path + "|" + key

			if cached, ok := cache.Check(scoped); ok {
				replay(w, cached)
				return
			}

			if inflight != nil {
				claimed, err := inflight.Claim(r.Context(), scoped)
				if err != nil {
					WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "idempotency registry unavailable")
					return
				}
				if !claimed {
					// The holder may have finished between Check and Claim.
					if cached, ok := cache.Check(scoped); ok {
						replay(w, cached)
						return
					}
					WriteErrorR(w, r, http.StatusConflict, "Conflict", "request with this Idempotency-Key is in progress")
					return
				}
				defer func() { _ = inflight.Release(context.WithoutCancel(r.Context()), scoped) }()
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				cache.Set(scoped, &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       append([]byte(nil), capture.body.Bytes()...),
				})
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *CachedResponse) {
	for k, vals := range cached.Headers {
		if k == "X-Request-Id" {
			continue
		}
		for _, v := range vals {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}
