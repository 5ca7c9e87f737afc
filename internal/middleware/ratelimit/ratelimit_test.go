package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func get(t *testing.T, app *fiber.App, farmerID string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if farmerID != "" {
		req.Header.Set(FarmerHeader, farmerID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddleware_LimitsPerFarmer(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	app := newApp(rl)

	assert.Equal(t, http.StatusOK, get(t, app, "farmer-1"))
	assert.Equal(t, http.StatusOK, get(t, app, "farmer-1"))
	assert.Equal(t, http.StatusTooManyRequests, get(t, app, "farmer-1"))

	assert.Equal(t, http.StatusOK, get(t, app, "farmer-2"))
}

func TestMiddleware_Refills(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60, Burst: 1})
	defer rl.Stop()
	clock := time.Now()
	rl.now = func() time.Time { return clock }
	app := newApp(rl)

	assert.Equal(t, http.StatusOK, get(t, app, ""))
	assert.Equal(t, http.StatusTooManyRequests, get(t, app, ""))

	clock = clock.Add(time.Second)
	assert.Equal(t, http.StatusOK, get(t, app, ""))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 10, IdleTimeout: time.Minute})
	defer rl.Stop()
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.allow("farmer:a")
	clock = clock.Add(2 * time.Minute)
	rl.allow("farmer:b")
	rl.evictIdle()

	assert.NotContains(t, rl.visitors, "farmer:a")
	assert.Contains(t, rl.visitors, "farmer:b")
}
