package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Errorf("Request over limit should be denied")
	}
}

func TestRateLimiter_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if !rl.allow("1.1.1.1") {
		t.Errorf("First client should be allowed")
	}
	if !rl.allow("2.2.2.2") {
		t.Errorf("Second client should have its own budget")
	}
	if rl.allow("1.1.1.1") {
		t.Errorf("First client should be exhausted")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.allow("1.2.3.4") {
		t.Fatalf("First request should be allowed")
	}
	if rl.allow("1.2.3.4") {
		t.Fatalf("Second request should be denied")
	}

	time.Sleep(20 * time.Millisecond)
	if !rl.allow("1.2.3.4") {
		t.Errorf("Request after window reset should be allowed")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "1.2.3.4:5678"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"

	if ip := clientIP(req); ip != "10.0.0.1:1234" {
		t.Errorf("Expected RemoteAddr fallback, got %q", ip)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.7" {
		t.Errorf("Expected first forwarded address, got %q", ip)
	}
}

func TestReadBodyStrict(t *testing.T) {
	t.Run("reads body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
		w := httptest.NewRecorder()

		body, err := ReadBodyStrict(w, req, 1024)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if string(body) != "hello" {
			t.Errorf("Expected body %q, got %q", "hello", body)
		}
	})

	t.Run("rejects empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		w := httptest.NewRecorder()

		if _, err := ReadBodyStrict(w, req, 1024); err == nil {
			t.Errorf("Expected error for empty body")
		}
	})

	t.Run("enforces size limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
		w := httptest.NewRecorder()

		_, err := ReadBodyStrict(w, req, 10)
		if err == nil || !strings.Contains(err.Error(), "payload too large") {
			t.Errorf("Expected payload too large error, got %v", err)
		}
	})
}
