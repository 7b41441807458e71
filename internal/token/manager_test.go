package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers immediately so polling loops run without real
// sleeps; tests advance Now explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// fakeProvider is a minimal identity provider: a device-code endpoint and a
// token endpoint whose behavior tests flip at runtime.
type fakeProvider struct {
	srv *httptest.Server

	mu          sync.Mutex
	consented   bool
	rejectCreds bool
	slowDown    bool
	tokenCalls  atomic.Int64
	refreshWait time.Duration
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/v2.0/devicecode", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         5,
		})
	})
	mux.HandleFunc("/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		p.tokenCalls.Add(1)
		if p.refreshWait > 0 {
			time.Sleep(p.refreshWait)
		}
		require.NoError(t, r.ParseForm())

		p.mu.Lock()
		consented, reject, slow := p.consented, p.rejectCreds, p.slowDown
		p.mu.Unlock()

		switch r.Form.Get("grant_type") {
		case "urn:ietf:params:oauth:grant-type:device_code":
			if slow {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
				return
			}
			if !consented {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
				return
			}
		case "client_credentials":
			if reject {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client", "error_description": "bad secret"})
				return
			}
		case "refresh_token":
			if reject {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.Form.Get("grant_type"),
			"refresh_token": "rt-new",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newTestManager(t *testing.T, p *fakeProvider, flow Flow, clock Clock) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "tokens.bin"), "unit-test-passphrase")
	require.NoError(t, err)
	m, err := New(Config{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "secret",
		Scopes:       []string{"https://outlook.office365.com/.default", "offline_access"},
		Flow:         flow,
		Authority:    p.srv.URL,
		HTTPClient:   p.srv.Client(),
		Clock:        clock,
	}, store)
	require.NoError(t, err)
	return m, store
}

func TestClientCredentialsFlow(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	m, _ := newTestManager(t, p, FlowClientCredentials, newFakeClock())

	set, err := m.ClientCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-client_credentials", set.AccessToken)
	assert.Equal(t, FlowClientCredentials, set.Flow)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestClientCredentialsRejected(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	p.rejectCreds = true
	m, _ := newTestManager(t, p, FlowClientCredentials, newFakeClock())

	_, err := m.ClientCredentials(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestDeviceFlowPendingThenConsent(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	clock := newFakeClock()
	m, _ := newTestManager(t, p, FlowDeviceCode, clock)
	ctx := context.Background()

	da, err := m.StartDeviceFlow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", da.UserCode)
	assert.Equal(t, 5*time.Second, da.Interval)
	assert.Equal(t, StatePending, m.State())

	// polling before consent reports pending
	set, pending, err := m.PollOnce(ctx, da)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, set)

	p.mu.Lock()
	p.consented = true
	p.mu.Unlock()

	set, err = m.WaitForConsent(ctx, da)
	require.NoError(t, err)
	assert.NotEmpty(t, set.AccessToken)
	assert.NotEmpty(t, set.RefreshToken)
	assert.True(t, set.ExpiresAt.After(clock.Now()))
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestDeviceFlowSlowDownStretchesInterval(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	m, _ := newTestManager(t, p, FlowDeviceCode, newFakeClock())
	ctx := context.Background()

	da, err := m.StartDeviceFlow(ctx)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, da.Interval)

	p.mu.Lock()
	p.slowDown = true
	p.mu.Unlock()

	_, pending, err := m.PollOnce(ctx, da)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 10*time.Second, da.Interval)

	// each slow_down answer adds another five seconds
	_, pending, err = m.PollOnce(ctx, da)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 15*time.Second, da.Interval)
}

func TestDeviceFlowExpiresWithoutConsent(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	clock := newFakeClock()
	m, _ := newTestManager(t, p, FlowDeviceCode, clock)
	ctx := context.Background()

	da, err := m.StartDeviceFlow(ctx)
	require.NoError(t, err)

	clock.Advance(time.Hour) // past the code's validity window

	_, err = m.WaitForConsent(ctx, da)
	assert.ErrorIs(t, err, ErrDeviceCodeExpired)
	assert.Equal(t, StateUnauthenticated, m.State())
}

func TestDeviceFlowBoundedPolling(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	clock := newFakeClock()

	store, err := NewStore(filepath.Join(t.TempDir(), "tokens.bin"), "pw")
	require.NoError(t, err)
	m, err := New(Config{
		TenantID:        "tenant-1",
		ClientID:        "client-1",
		Flow:            FlowDeviceCode,
		Authority:       p.srv.URL,
		HTTPClient:      p.srv.Client(),
		Clock:           clock,
		MaxPollAttempts: 3,
	}, store)
	require.NoError(t, err)

	da, err := m.StartDeviceFlow(context.Background())
	require.NoError(t, err)

	calls := p.tokenCalls.Load()
	_, err = m.WaitForConsent(context.Background(), da)
	assert.ErrorIs(t, err, ErrDeviceCodeExpired)
	assert.Equal(t, int64(3), p.tokenCalls.Load()-calls, "polling must stop at the attempt budget")
}

func TestRefreshIsSingleFlighted(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	p.refreshWait = 50 * time.Millisecond
	clock := newFakeClock()
	m, _ := newTestManager(t, p, FlowDeviceCode, clock)

	// install an expiring grant
	m.mu.Lock()
	m.cur = &Set{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		Flow:         FlowDeviceCode,
		AccessToken:  "stale",
		RefreshToken: "rt-old",
		IssuedAt:     clock.Now().Add(-time.Hour),
		ExpiresAt:    clock.Now().Add(time.Minute),
	}
	m.state = StateAuthenticated
	m.mu.Unlock()

	before := p.tokenCalls.Load()

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), p.tokenCalls.Load()-before, "concurrent callers must share one refresh call")
	for _, tok := range tokens {
		assert.Equal(t, "at-refresh_token", tok)
	}
}

func TestRefreshFailureInvalidatesSet(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	p.rejectCreds = true
	clock := newFakeClock()
	m, _ := newTestManager(t, p, FlowDeviceCode, clock)

	m.mu.Lock()
	m.cur = &Set{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		Flow:         FlowDeviceCode,
		AccessToken:  "stale",
		RefreshToken: "rt-old",
		IssuedAt:     clock.Now().Add(-time.Hour),
		ExpiresAt:    clock.Now().Add(-time.Minute),
	}
	m.mu.Unlock()

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Nil(t, m.Current(), "failed refresh must invalidate the set, not retry forever")
}

func TestValidTokenServedFromCache(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	clock := newFakeClock()
	m, _ := newTestManager(t, p, FlowClientCredentials, clock)

	_, err := m.ClientCredentials(context.Background())
	require.NoError(t, err)
	before := p.tokenCalls.Load()

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-client_credentials", tok)
	assert.Equal(t, before, p.tokenCalls.Load(), "a fresh token must not hit the network")
}

func TestStoreRoundTripEncrypted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.bin")
	store, err := NewStore(path, "pass-1")
	require.NoError(t, err)

	set := &Set{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		Flow:         FlowDeviceCode,
		AccessToken:  "super-secret-access-token",
		RefreshToken: "super-secret-refresh-token",
		IssuedAt:     time.Now().UTC().Truncate(time.Second),
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, store.Save(set))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-access-token")

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, set.AccessToken, loaded.AccessToken)
	assert.Equal(t, set.RefreshToken, loaded.RefreshToken)

	// wrong passphrase fails closed
	wrong, err := NewStore(path, "pass-2")
	require.NoError(t, err)
	_, err = wrong.Load()
	assert.Error(t, err)
}

func TestPersistedSetRestoredOnStartup(t *testing.T) {
	t.Parallel()
	p := newFakeProvider(t)
	clock := newFakeClock()
	m, store := newTestManager(t, p, FlowClientCredentials, clock)

	_, err := m.ClientCredentials(context.Background())
	require.NoError(t, err)

	restarted, err := New(Config{
		TenantID:   "tenant-1",
		ClientID:   "client-1",
		Flow:       FlowClientCredentials,
		Authority:  p.srv.URL,
		HTTPClient: p.srv.Client(),
		Clock:      clock,
	}, store)
	require.NoError(t, err)
	require.NotNil(t, restarted.Current())
	assert.Equal(t, "at-client_credentials", restarted.Current().AccessToken)
}
