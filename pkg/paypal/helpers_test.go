package paypal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrymomot/memberbridge/pkg/paypal"
)

// fakePayPal serves the token endpoint and routes API calls to handlers.
type fakePayPal struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	tokenStatus atomic.Int32

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
}

func newFakePayPal(t *testing.T) *fakePayPal {
	t.Helper()
	f := &fakePayPal{handlers: make(map[string]http.HandlerFunc)}
	f.tokenStatus.Store(http.StatusOK)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			f.serveToken(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		h, ok := f.handlers[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePayPal) serveToken(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls.Add(1)
	user, pass, ok := r.BasicAuth()
	if !ok || user != "client" || pass != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if status := int(f.tokenStatus.Load()); status != http.StatusOK {
		writeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "tok",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (f *fakePayPal) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[route] = h
}

func (f *fakePayPal) config() paypal.Config {
	return paypal.Config{
		ClientID:       "client",
		Secret:         "secret",
		APIBase:        f.server.URL,
		WebhookID:      "WH-1",
		BrandName:      "Acme",
		RequestTimeout: 5 * time.Second,
		RefreshSkew:    5 * time.Minute,
		TokenRetries:   0,
		TokenBackoff:   time.Millisecond,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now()}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
