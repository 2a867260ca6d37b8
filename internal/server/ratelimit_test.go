package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func limitedHandler(rl *rateLimiter) http.Handler {
	return rl.middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	h := limitedHandler(newRateLimiter(1, 1, nil))

	allowed := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/mints", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	rl := newRateLimiter(1, 1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	h := limitedHandler(rl)

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/mints", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	// A client-prepended hop does not move the key off the address the proxy saw.
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.99, 198.51.100.2"))
}

func TestClientIP(t *testing.T) {
	rl := newRateLimiter(1, 1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "untrusted peer", remote: "203.0.113.7:1", xff: "198.51.100.1", want: "203.0.113.7"},
		{name: "trusted without header", remote: "10.0.0.1:1", want: "10.0.0.1"},
		{name: "trusted chain", remote: "10.0.0.1:1", xff: "198.51.100.1, 10.0.0.2", want: "198.51.100.1"},
		{name: "garbage hop", remote: "10.0.0.1:1", xff: "not-an-ip", want: "10.0.0.1"},
		{name: "no port", remote: "203.0.113.7", want: "203.0.113.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, rl.clientIP(req))
		})
	}
}
