package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// startRedis starts a Redis testcontainer, returns a client + cleanup func.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed rate limit test in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimitEnforced(t *testing.T) {
	client := startRedis(t)
	h, _ := newTestHandler(t)
	h.redis = client
	h.requestsPerMinute = 3
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	var lastRemaining string
	for i := 0; i < 3; i++ {
		resp := doJSON(t, ts, http.MethodGet, "/v1/memories", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "3" {
			t.Fatalf("limit header = %q", resp.Header.Get("X-RateLimit-Limit"))
		}
		lastRemaining = resp.Header.Get("X-RateLimit-Remaining")
		resp.Body.Close()
	}
	if lastRemaining != "0" {
		t.Fatalf("remaining after 3 of 3 = %q, want 0", lastRemaining)
	}

	resp := doJSON(t, ts, http.MethodGet, "/v1/memories", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", resp.StatusCode)
	}
	if retry, err := strconv.Atoi(resp.Header.Get("Retry-After")); err != nil || retry < 0 || retry > 60 {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	_, errBody := decodeEnvelope(t, resp)
	if errBody["code"] != "rate_limited" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestRateLimitScopedPerOwner(t *testing.T) {
	client := startRedis(t)
	h, _ := newTestHandler(t)
	h.redis = client
	h.requestsPerMinute = 1
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodGet, "/v1/memories", nil)
	resp.Body.Close()
	resp = doJSON(t, ts, http.MethodGet, "/v1/memories", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("owner-1 second request status = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()

	// A different owner gets its own window.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer owner-2")
	other, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("owner-2 request: %v", err)
	}
	defer other.Body.Close()
	if other.StatusCode != http.StatusOK {
		t.Fatalf("owner-2 status = %d, want 200", other.StatusCode)
	}
}
