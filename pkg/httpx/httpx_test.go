package httpx

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONAndErrorWith(t *testing.T) {
	rr := httptest.NewRecorder()
	ErrorWith(rr, http.StatusForbidden, "feature_gated", map[string]any{"gate": "heatmap_stream", "tier": "observer", "error": "ignored"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["error"] != "feature_gated" || body["gate"] != "heatmap_stream" || body["tier"] != "observer" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusTeapot, "x")
	}))
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}
}

func TestCORSMiddlewareAllowlist(t *testing.T) {
	handler := CORSMiddleware([]string{"https://desk.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != defaultAllowHeaders {
		t.Fatalf("unexpected allow headers %q", got)
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials allowed")
	}

	evil := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	evil.Header.Set("Origin", "https://evil.example.com")
	evil.Header.Set("Access-Control-Request-Method", "POST")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, evil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	plain := httptest.NewRequest(http.MethodGet, "/health", nil)
	plain.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, plain)
	if rr.Code != http.StatusOK || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("simple request from unknown origin must pass through without CORS headers")
	}
}

func TestProxyTrust(t *testing.T) {
	trust := NewProxyTrust([]string{"10.0.0.0/8", "192.168.1.5", "garbage"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := trust.ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded ip, got %q", got)
	}
	if !trust.Secure(req) {
		t.Fatal("trusted proxy https must count as secure")
	}

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.RemoteAddr = "198.51.100.7:1234"
	direct.Header.Set("X-Forwarded-For", "203.0.113.9")
	direct.Header.Set("X-Forwarded-Proto", "https")
	if got := trust.ClientIP(direct); got != "198.51.100.7" {
		t.Fatalf("untrusted peer must not be able to spoof, got %q", got)
	}
	if trust.Secure(direct) {
		t.Fatal("untrusted X-Forwarded-Proto must be ignored")
	}
	direct.TLS = &tls.ConnectionState{}
	if !trust.Secure(direct) {
		t.Fatal("direct TLS must count as secure")
	}

	realIP := httptest.NewRequest(http.MethodGet, "/", nil)
	realIP.RemoteAddr = "192.168.1.5:80"
	realIP.Header.Set("X-Real-IP", "203.0.113.10")
	if got := trust.ClientIP(realIP); got != "203.0.113.10" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}
}
