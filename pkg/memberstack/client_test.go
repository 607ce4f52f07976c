package memberstack_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/memberstack"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

var _ subscription.MembershipService = (*memberstack.Client)(nil)

// fakeAdmin is a tiny in-memory Memberstack admin API.
type fakeAdmin struct {
	mu      sync.Mutex
	members map[string]map[string]any // keyed by id and by email
	calls   []string
	status  int
}

func newFakeAdmin(t *testing.T) (*fakeAdmin, *memberstack.Client) {
	t.Helper()
	f := &fakeAdmin{members: make(map[string]map[string]any)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := memberstack.NewClient(memberstack.Config{SecretKey: "sk_test", APIBase: srv.URL})
	require.NoError(t, err)
	return f, c
}

func (f *fakeAdmin) addMember(id, email string, plans ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := map[string]any{
		"id":              id,
		"auth":            map[string]any{"email": email},
		"planConnections": plans,
	}
	f.members[id] = m
	f.members[email] = m
}

func (f *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("X-API-KEY") != "sk_test" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid key"}`))
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	var id, action string
	rest := r.URL.Path[len("/members/"):]
	for i := range rest {
		if rest[i] == '/' {
			id, action = rest[:i], rest[i+1:]
			break
		}
	}
	if id == "" {
		id = rest
	}

	m, ok := f.members[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"member not found"}`))
		return
	}

	switch action {
	case "":
		_ = json.NewEncoder(w).Encode(map[string]any{"data": m})
	case "add-plan", "remove-plan":
		var body struct {
			PlanID string `json:"planId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var plans []map[string]any
		if existing, ok := m["planConnections"].([]map[string]any); ok {
			for _, p := range existing {
				if p["planId"] != body.PlanID {
					plans = append(plans, p)
				}
			}
		}
		if action == "add-plan" {
			plans = append(plans, map[string]any{"planId": body.PlanID, "status": "ACTIVE"})
		}
		m["planConnections"] = plans
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	_, err := memberstack.NewClient(memberstack.Config{})
	require.ErrorIs(t, err, memberstack.ErrMissingSecretKey)
}

func TestClient_Resolve(t *testing.T) {
	t.Parallel()

	t.Run("by id with active plans only", func(t *testing.T) {
		t.Parallel()
		f, c := newFakeAdmin(t)
		f.addMember("mem_1", "a@x.com",
			map[string]any{"planId": "pln_pro", "status": "ACTIVE"},
			map[string]any{"planId": "pln_old", "status": "CANCELED"},
		)

		m, err := c.ResolveByID(context.Background(), "mem_1")
		require.NoError(t, err)
		assert.Equal(t, "mem_1", m.ID)
		assert.Equal(t, "a@x.com", m.Email)
		assert.Equal(t, []string{"pln_pro"}, m.Entitlements)
	})

	t.Run("by email", func(t *testing.T) {
		t.Parallel()
		f, c := newFakeAdmin(t)
		f.addMember("mem_1", "a@x.com")

		m, err := c.ResolveByEmail(context.Background(), "a@x.com")
		require.NoError(t, err)
		assert.Equal(t, "mem_1", m.ID)
		assert.Empty(t, m.Entitlements)
	})

	t.Run("unknown member", func(t *testing.T) {
		t.Parallel()
		_, c := newFakeAdmin(t)

		_, err := c.ResolveByID(context.Background(), "mem_404")
		require.ErrorIs(t, err, subscription.ErrNotFound)

		var apiErr *memberstack.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "member not found", apiErr.Message)
	})

	t.Run("empty keys", func(t *testing.T) {
		t.Parallel()
		_, c := newFakeAdmin(t)

		_, err := c.ResolveByID(context.Background(), "")
		require.ErrorIs(t, err, subscription.ErrMemberNotFound)
		_, err = c.ResolveByEmail(context.Background(), "")
		require.ErrorIs(t, err, subscription.ErrMemberNotFound)
	})
}

func TestClient_Entitlements(t *testing.T) {
	t.Parallel()

	f, c := newFakeAdmin(t)
	f.addMember("mem_1", "a@x.com")
	ctx := context.Background()

	require.NoError(t, c.GrantEntitlement(ctx, "mem_1", "pln_pro"))
	m, err := c.ResolveByID(ctx, "mem_1")
	require.NoError(t, err)
	assert.True(t, m.HasEntitlement("pln_pro"))

	require.NoError(t, c.RevokeEntitlement(ctx, "mem_1", "pln_pro"))
	m, err = c.ResolveByID(ctx, "mem_1")
	require.NoError(t, err)
	assert.False(t, m.HasEntitlement("pln_pro"))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.calls, "POST /members/mem_1/add-plan")
	assert.Contains(t, f.calls, "POST /members/mem_1/remove-plan")
}

func TestClient_ErrorClasses(t *testing.T) {
	t.Parallel()

	t.Run("bad key", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(&fakeAdmin{members: map[string]map[string]any{}})
		t.Cleanup(srv.Close)
		c, err := memberstack.NewClient(memberstack.Config{SecretKey: "wrong", APIBase: srv.URL})
		require.NoError(t, err)

		_, err = c.ResolveByID(context.Background(), "mem_1")
		require.ErrorIs(t, err, subscription.ErrAuth)
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		f, c := newFakeAdmin(t)
		f.mu.Lock()
		f.status = http.StatusServiceUnavailable
		f.mu.Unlock()

		err := c.GrantEntitlement(context.Background(), "mem_1", "pln_pro")
		require.ErrorIs(t, err, subscription.ErrRemoteUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c, err := memberstack.NewClient(memberstack.Config{SecretKey: "sk_test", APIBase: srv.URL})
		require.NoError(t, err)

		_, err = c.ResolveByEmail(context.Background(), "a@x.com")
		require.ErrorIs(t, err, subscription.ErrRemoteUnavailable)
	})
}
