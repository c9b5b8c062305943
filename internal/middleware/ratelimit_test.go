package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    3,
		AuthRate:        rate.Limit(0.1),
		AuthBurst:       2,
		CleanupInterval: time.Hour,
	}
}

func serveAs(h http.Handler, userID, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_GeneralAllowsBurstThen429(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler(nil))

	for i := 0; i < 3; i++ {
		if w := serveAs(h, "user-1", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := serveAs(h, "user-1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("429 body should be JSON: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestRateLimiter_GeneralKeysAreIsolated(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler(nil))

	for i := 0; i < 4; i++ {
		serveAs(h, "user-1", "")
	}
	if w := serveAs(h, "user-2", ""); w.Code != http.StatusOK {
		t.Errorf("other user: status = %d, want 200", w.Code)
	}
	// ユーザーIDがなければクライアントIPで区別する
	if w := serveAs(h, "", "192.0.2.10:5555"); w.Code != http.StatusOK {
		t.Errorf("anonymous client: status = %d, want 200", w.Code)
	}
	if n := rl.GeneralLimiterCount(); n != 3 {
		t.Errorf("limiter entries = %d, want 3", n)
	}
}

func TestRateLimiter_AuthAttemptsIndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	authH := rl.AuthAttemptMiddleware()(okHandler(nil))
	generalH := rl.GeneralMiddleware()(okHandler(nil))

	for i := 0; i < 2; i++ {
		if w := serveAs(authH, "", "198.51.100.1:1000"); w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, w.Code)
		}
	}
	w := serveAs(authH, "", "198.51.100.1:2000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 for same IP on another port", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After = %q, want 10", got)
	}
	if w := serveAs(generalH, "", "198.51.100.1:1000"); w.Code != http.StatusOK {
		t.Errorf("general limit should be unaffected, got %d", w.Code)
	}
	if n := rl.AuthLimiterCount(); n != 1 {
		t.Errorf("auth limiter entries = %d, want 1", n)
	}
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.GeneralMiddleware()(okHandler(nil))
	serveAs(h, "idle", "")
	now = now.Add(90 * time.Minute)
	serveAs(h, "active", "")

	now = now.Add(time.Hour + time.Minute)
	rl.cleanup()

	if n := rl.GeneralLimiterCount(); n != 1 {
		t.Errorf("entries after cleanup = %d, want 1", n)
	}
}

func TestRateLimiterConfigPerMinute(t *testing.T) {
	cfg := RateLimiterConfigPerMinute(60)
	if cfg.GeneralRate != rate.Limit(1) || cfg.GeneralBurst != 60 {
		t.Errorf("general = %v/%d, want 1/60", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if def := RateLimiterConfigPerMinute(0); def.GeneralBurst != DefaultRateLimiterConfig().GeneralBurst {
		t.Error("non-positive value should keep the default")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	rl.Stop()
	rl.Stop()
}
