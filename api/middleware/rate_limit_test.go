package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/angelmondragon/pdf2md-billing/pkg/errors"
)

type windowCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *windowCounter) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[scope]++
	return c.counts[scope] <= limit, c.counts[scope], nil
}

func checkoutLimiter(limit int) (http.Handler, *windowCounter) {
	counter := &windowCounter{counts: map[string]int64{}}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })
	return RateLimit(NewRateLimitPolicy("Checkout", time.Minute, limit), counter, nil)(ok), counter
}

func openCheckout(h http.Handler, user, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	if user != "" {
		req = req.WithContext(WithUserID(req.Context(), user))
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCheckoutLimitIsPerUser(t *testing.T) {
	h, _ := checkoutLimiter(2)

	var codes []int
	for range 3 {
		codes = append(codes, openCheckout(h, "user-1", "").Code)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
	assert.Equal(t, http.StatusCreated, openCheckout(h, "user-2", "").Code)
}

func TestThrottledCheckoutSaysWhenToRetry(t *testing.T) {
	h, _ := checkoutLimiter(1)
	openCheckout(h, "user-1", "")

	rec := openCheckout(h, "user-1", "")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, pkgerrors.CodeRateLimit, codeOf(t, rec))
}

func TestAnonymousCallersAreCountedByIP(t *testing.T) {
	h, counter := checkoutLimiter(1)

	openCheckout(h, "", "5.6.7.8:1234")
	rec := openCheckout(h, "", "5.6.7.8:4321")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, counter.counts, "checkout:ip:5.6.7.8")
}

func TestClientIPPrefersFirstForwardedHop(t *testing.T) {
	tests := map[string]struct {
		forwarded, realIP, remote, want string
	}{
		"forwarded chain": {forwarded: " 203.0.113.9 , 10.0.0.1", remote: "10.0.0.2:80", want: "203.0.113.9"},
		"real ip header":  {realIP: "198.51.100.4", remote: "10.0.0.2:80", want: "198.51.100.4"},
		"socket address":  {remote: "192.0.2.1:5555", want: "192.0.2.1"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, clientIP(req))
		})
	}
}

func TestDisabledPolicyPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) })
	h := RateLimit(NewRateLimitPolicy("checkout", 0, 0), &windowCounter{counts: map[string]int64{}}, nil)(next)

	assert.Equal(t, http.StatusCreated, openCheckout(h, "user-1", "").Code)
}
