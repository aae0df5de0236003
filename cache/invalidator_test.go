package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reporting.bionicpro.org/config"
	"reporting.bionicpro.org/metrics"
)

func newTestInvalidator(endpoint string, parallelism, bulkThreshold int) *Invalidator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewInvalidator(config.InvalidatorConfig{
		Endpoint:      endpoint,
		Parallelism:   parallelism,
		BulkThreshold: bulkThreshold,
		Timeout:       2 * time.Second,
	}, metrics.New(), logrus.NewEntry(logger))
}

// TestInvalidator_Invalidate tests the per-user fan-out
func TestInvalidator_Invalidate(t *testing.T) {
	t.Run("posts one request per user with idempotency token", func(t *testing.T) {
		var mu sync.Mutex
		seenUsers := make(map[string]string)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"list", "summary", "daily"}, req.InvalidateScopes)

			mu.Lock()
			seenUsers[req.UserID] = r.Header.Get("X-Idempotency-Key")
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := newTestInvalidator(server.URL, 4, 1000)
		result := inv.Invalidate(context.Background(), "run-123", []string{"alice", "bob", "carol"})

		assert.Equal(t, 3, result.Sent)
		assert.Equal(t, 0, result.Failed)
		assert.False(t, result.Bulk)
		assert.Equal(t, "run-123:alice", seenUsers["alice"])
		assert.Equal(t, "run-123:bob", seenUsers["bob"])
	})

	t.Run("failures are counted but do not abort the fan-out", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			mu.Lock()
			calls++
			mu.Unlock()
			if req.UserID == "bob" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := newTestInvalidator(server.URL, 2, 1000)
		result := inv.Invalidate(context.Background(), "run-456", []string{"alice", "bob", "carol"})

		assert.Equal(t, 2, result.Sent)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 3, calls)
	})

	t.Run("unreachable endpoint never panics or errors", func(t *testing.T) {
		inv := newTestInvalidator("http://127.0.0.1:1/invalidate", 2, 1000)
		result := inv.Invalidate(context.Background(), "run-789", []string{"alice"})
		assert.Equal(t, 1, result.Failed)
	})

	t.Run("empty endpoint disables invalidation", func(t *testing.T) {
		inv := newTestInvalidator("", 2, 1000)
		result := inv.Invalidate(context.Background(), "run-000", []string{"alice"})
		assert.Equal(t, Result{}, result)
	})

	t.Run("empty user set is a no-op", func(t *testing.T) {
		inv := newTestInvalidator("http://127.0.0.1:1/invalidate", 2, 1000)
		assert.Equal(t, Result{}, inv.Invalidate(context.Background(), "run-000", nil))
	})
}

// TestInvalidator_Bulk tests the endpoint-wide substitution
func TestInvalidator_Bulk(t *testing.T) {
	t.Run("above the threshold a single bulk call substitutes", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0
		var lastKey string
		var bulk BulkRequest

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			lastKey = r.Header.Get("X-Idempotency-Key")
			mu.Unlock()
			require.NoError(t, json.NewDecoder(r.Body).Decode(&bulk))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := newTestInvalidator(server.URL, 4, 2)
		result := inv.Invalidate(context.Background(), "run-bulk", []string{"a", "b", "c"})

		assert.True(t, result.Bulk)
		assert.Equal(t, 1, result.Sent)
		assert.Equal(t, 1, calls)
		assert.True(t, bulk.All)
		assert.Equal(t, []string{"list", "summary", "daily"}, bulk.InvalidateScopes)
		assert.Equal(t, "run-bulk:all", lastKey)
	})

	t.Run("at the threshold users are invalidated individually", func(t *testing.T) {
		var mu sync.Mutex
		calls := 0

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := newTestInvalidator(server.URL, 4, 3)
		result := inv.Invalidate(context.Background(), "run-edge", []string{"a", "b", "c"})

		assert.False(t, result.Bulk)
		assert.Equal(t, 3, result.Sent)
		assert.Equal(t, 3, calls)
	})
}
