package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testOrigins = []string{"http://localhost:5173", "https://app.example.com"}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(testOrigins)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Content-Security-Policy", "default-src 'none'"},
	}

	for _, tt := range tests {
		if got := rr.Header().Get(tt.header); got != tt.expected {
			t.Errorf("SecurityHeaders() %s = %q, want %q", tt.header, got, tt.expected)
		}
	}
}

func TestSecurityHeaders_CORS(t *testing.T) {
	handler := SecurityHeaders(testOrigins)(okHandler())

	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{name: "dev server allowed", origin: "http://localhost:5173", expectCORS: true},
		{name: "configured app allowed", origin: "https://app.example.com", expectCORS: true},
		{name: "external origin blocked", origin: "http://evil.com"},
		{name: "suffix bypass attempt blocked", origin: "https://app.example.com.evil.com"},
		{name: "scheme mismatch blocked", origin: "http://app.example.com"},
		{name: "unknown port blocked", origin: "http://localhost:9999"},
		{name: "no origin header", origin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			cors := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS && cors != tt.origin {
				t.Errorf("Expected CORS origin %q, got %q", tt.origin, cors)
			}
			if !tt.expectCORS && cors != "" {
				t.Errorf("Expected no CORS header, got %q", cors)
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	called := false
	handler := SecurityHeaders(testOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/api/points/award", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if called {
		t.Error("Preflight should not reach the handler")
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q, want POST included", got)
	}
}

func TestMaxBodySize(t *testing.T) {
	maxSize := int64(100)
	handler := MaxBodySize(maxSize)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 200)
		if _, err := r.Body.Read(buf); err != nil && err.Error() == "http: request body too large" {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{name: "small body", body: "hello", expected: http.StatusOK},
		{name: "exact limit", body: strings.Repeat("a", 100), expected: http.StatusOK},
		{name: "over limit", body: strings.Repeat("a", 101), expected: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expected {
				t.Errorf("MaxBodySize() status = %d, want %d", rr.Code, tt.expected)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	ta := NewTokenAuth("s3cret")
	handler := ta.Middleware(okHandler())

	tests := []struct {
		name     string
		path     string
		header   string
		value    string
		expected int
	}{
		{name: "no token", path: "/api/scoring/actions", expected: http.StatusUnauthorized},
		{name: "wrong token", path: "/api/scoring/actions", header: "X-Auth-Token", value: "nope", expected: http.StatusUnauthorized},
		{name: "prefix of token", path: "/api/scoring/actions", header: "X-Auth-Token", value: "s3c", expected: http.StatusUnauthorized},
		{name: "header token", path: "/api/scoring/actions", header: "X-Auth-Token", value: "s3cret", expected: http.StatusOK},
		{name: "bearer token", path: "/api/scoring/actions", header: "Authorization", value: "Bearer s3cret", expected: http.StatusOK},
		{name: "basic scheme rejected", path: "/api/scoring/actions", header: "Authorization", value: "Basic s3cret", expected: http.StatusUnauthorized},
		{name: "health exempt", path: "/health", expected: http.StatusOK},
		{name: "ready exempt", path: "/api/ready", expected: http.StatusOK},
		{name: "metrics exempt", path: "/metrics", expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expected {
				t.Errorf("TokenAuth status = %d, want %d", rr.Code, tt.expected)
			}
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	ta := NewTokenAuth("")
	if ta.IsEnabled() {
		t.Fatal("empty token should disable auth")
	}

	rr := httptest.NewRecorder()
	ta.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest("GET", "/api/scoring/actions", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

		id := rr.Header().Get("X-Request-ID")
		if id == "" {
			t.Fatal("Expected X-Request-ID header")
		}
		if seen != id {
			t.Errorf("context id = %q, header id = %q", seen, id)
		}
	})

	t.Run("keeps client id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "client-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("X-Request-ID"); got != "client-123" {
			t.Errorf("X-Request-ID = %q, want client-123", got)
		}
		if seen != "client-123" {
			t.Errorf("context id = %q, want client-123", seen)
		}
	})

	if got := GetRequestID(httptest.NewRequest("GET", "/", nil).Context()); got != "" {
		t.Errorf("GetRequestID() without middleware = %q, want empty", got)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(okHandler())

	tests := []struct {
		name        string
		method      string
		contentType string
		expected    int
	}{
		{name: "POST with JSON", method: "POST", contentType: "application/json", expected: http.StatusOK},
		{name: "POST with JSON charset", method: "POST", contentType: "application/json; charset=utf-8", expected: http.StatusOK},
		{name: "POST without content type", method: "POST", expected: http.StatusOK},
		{name: "POST with form", method: "POST", contentType: "application/x-www-form-urlencoded", expected: http.StatusUnsupportedMediaType},
		{name: "PUT with text", method: "PUT", contentType: "text/plain", expected: http.StatusUnsupportedMediaType},
		{name: "GET ignores content type", method: "GET", contentType: "text/plain", expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expected {
				t.Errorf("RequireJSONContentType() status = %d, want %d", rr.Code, tt.expected)
			}
		})
	}
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewHTTPMetrics(reg)

	router := chi.NewRouter()
	router.Use(metrics.Middleware)
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/items/1", "/items/2", "/plain", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	tests := []struct {
		route string
		code  string
		want  float64
	}{
		{route: "/items/{id}", code: "418", want: 2},
		{route: "/plain", code: "200", want: 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(metrics.requests.WithLabelValues("GET", tt.route, tt.code))
		if got != tt.want {
			t.Errorf("requests{%s,%s} = %v, want %v", tt.route, tt.code, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(metrics.requests); n != 3 {
		t.Errorf("request series = %d, want 3 (two routes plus unmatched)", n)
	}
}
