// Package token manages the relay's OAuth2 credentials against the identity
// provider: device-code, client-credentials, and authorization-code flows, a
// proactively refreshed in-memory TokenSet shared by all delivery attempts,
// and encrypted persistence across restarts.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Flow selects how tokens are acquired.
type Flow string

const (
	FlowDeviceCode        Flow = "device_code"
	FlowClientCredentials Flow = "client_credentials"
	FlowAuthorizationCode Flow = "authorization_code"
)

// State is the manager's position in its token lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StatePending
	StateAuthenticated
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiring:
		return "expiring"
	default:
		return "unauthenticated"
	}
}

// Set is one live token grant. At most one Set exists per
// (tenant, client, flow); a refresh supersedes it atomically.
type Set struct {
	TenantID     string    `json:"tenant_id"`
	ClientID     string    `json:"client_id"`
	Flow         Flow      `json:"flow"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

var (
	// ErrReauthRequired means the stored grant is gone or unrefreshable and
	// an operator has to run an interactive flow again.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrDeviceCodeExpired is the terminal failure of an abandoned
	// device-code flow.
	ErrDeviceCodeExpired = errors.New("device code expired before user consent")

	// ErrInvalidClient is the provider rejecting the client credentials.
	ErrInvalidClient = errors.New("identity provider rejected client credentials")
)

// Clock abstracts time so flows and refresh scheduling are testable with a
// fake clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// refreshAt refreshes when 90% of the token lifetime has elapsed.
const refreshFraction = 0.9

// Config configures a Manager for one (tenant, client) pair.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Flow         Flow

	// Authority is the identity provider base URL; the default is the
	// Microsoft identity platform endpoint for TenantID.
	Authority string

	// RedirectURL is used by the authorization-code exchange only.
	RedirectURL string

	// MaxPollAttempts bounds device-code polling.
	MaxPollAttempts int

	HTTPClient *http.Client
	Clock      Clock
}

// Manager owns the cached TokenSet and all acquisition/refresh traffic.
type Manager struct {
	cfg   Config
	store *Store
	http  *http.Client
	clock Clock
	group singleflight.Group

	mu    sync.Mutex
	cur   *Set
	state State
}

// New builds a Manager and reloads any persisted token set.
func New(cfg Config, store *Store) (*Manager, error) {
	if cfg.Authority == "" {
		cfg.Authority = fmt.Sprintf("https://login.microsoftonline.com/%s", cfg.TenantID)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 180
	}

	m := &Manager{cfg: cfg, store: store, http: cfg.HTTPClient, clock: cfg.Clock}

	if store != nil {
		set, err := store.Load()
		if err != nil {
			slog.Warn("token store unreadable, starting unauthenticated", "error", err)
		} else if set != nil && set.ClientID == cfg.ClientID && set.TenantID == cfg.TenantID {
			m.cur = set
			m.state = StateAuthenticated
			slog.Info("restored persisted token set",
				"flow", set.Flow,
				"expires_at", set.ExpiresAt,
			)
		}
	}
	return m, nil
}

func (m *Manager) tokenURL() string  { return m.cfg.Authority + "/oauth2/v2.0/token" }
func (m *Manager) deviceURL() string { return m.cfg.Authority + "/oauth2/v2.0/devicecode" }
func (m *Manager) authURL() string   { return m.cfg.Authority + "/oauth2/v2.0/authorize" }

// State returns the lifecycle state, deriving Expiring from the clock.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return m.state
	}
	if m.clock.Now().After(m.refreshDeadline(m.cur)) {
		return StateExpiring
	}
	return StateAuthenticated
}

// Current returns a copy of the live set, or nil.
func (m *Manager) Current() *Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	cp := *m.cur
	return &cp
}

// Token returns a valid bearer access token, refreshing or acquiring one as
// needed. Concurrent callers share a single in-flight refresh.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()

	if cur != nil && m.clock.Now().Before(m.refreshDeadline(cur)) {
		return cur.AccessToken, nil
	}

	key := fmt.Sprintf("%s/%s/%s", m.cfg.TenantID, m.cfg.ClientID, m.cfg.Flow)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.renewLocked(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(*Set).AccessToken, nil
}

// renewLocked is the single-flighted renewal path: refresh if possible, fall
// back to client-credentials when that is the configured flow, otherwise
// demand operator action.
func (m *Manager) renewLocked(ctx context.Context) (*Set, error) {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()

	// another caller may have renewed while we queued on the group
	if cur != nil && m.clock.Now().Before(m.refreshDeadline(cur)) {
		return cur, nil
	}

	if cur != nil && cur.RefreshToken != "" {
		set, err := m.refresh(ctx, cur.RefreshToken)
		if err == nil {
			return set, nil
		}
		slog.Error("token refresh failed, invalidating token set", "error", err)
		m.Invalidate()
		if m.cfg.Flow != FlowClientCredentials {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
	}

	if m.cfg.Flow == FlowClientCredentials {
		return m.ClientCredentials(ctx)
	}
	if cur == nil {
		return nil, ErrReauthRequired
	}
	return nil, fmt.Errorf("%w: grant for %s flow has no refresh token", ErrReauthRequired, m.cfg.Flow)
}

// ClientCredentials performs a synchronous application-permission token
// request.
func (m *Manager) ClientCredentials(ctx context.Context) (*Set, error) {
	cc := &clientcredentials.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		TokenURL:     m.tokenURL(),
		Scopes:       m.cfg.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	tok, err := cc.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClient, err)
		}
		return nil, fmt.Errorf("client credentials request: %w", err)
	}
	return m.adopt(tok, FlowClientCredentials), nil
}

// ExchangeCode redeems an authorization code delivered by the externally
// owned web flow.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (*Set, error) {
	conf := &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Scopes:       m.cfg.Scopes,
		RedirectURL:  m.cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.authURL(),
			TokenURL: m.tokenURL(),
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	return m.adopt(tok, FlowAuthorizationCode), nil
}

// refresh redeems the refresh token for a new grant.
func (m *Manager) refresh(ctx context.Context, refreshToken string) (*Set, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.cfg.ClientID},
		"scope":         {strings.Join(m.cfg.Scopes, " ")},
	}
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}
	resp, err := m.postForm(ctx, m.tokenURL(), form)
	if err != nil {
		return nil, err
	}
	return m.adopt(resp.token(m.clock), m.currentFlow()), nil
}

func (m *Manager) currentFlow() Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return m.cur.Flow
	}
	return m.cfg.Flow
}

// adopt atomically supersedes the cached set and persists it.
func (m *Manager) adopt(tok *oauth2.Token, flow Flow) *Set {
	set := &Set{
		TenantID:     m.cfg.TenantID,
		ClientID:     m.cfg.ClientID,
		Flow:         flow,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     m.clock.Now(),
		ExpiresAt:    tok.Expiry,
		Scope:        strings.Join(m.cfg.Scopes, " "),
	}
	// keep a still-valid refresh token if the provider omitted a new one
	m.mu.Lock()
	if set.RefreshToken == "" && m.cur != nil {
		set.RefreshToken = m.cur.RefreshToken
	}
	m.cur = set
	m.state = StateAuthenticated
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(set); err != nil {
			slog.Error("persisting token set failed", "error", err)
		}
	}
	return set
}

// Invalidate drops the cached and persisted set; the next Token caller gets
// ErrReauthRequired (or a fresh client-credentials grant).
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cur = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Clear(); err != nil {
			slog.Warn("clearing token store failed", "error", err)
		}
	}
}

// refreshDeadline is the instant a set becomes due for refresh: once
// refreshFraction of its granted lifetime has elapsed.
func (m *Manager) refreshDeadline(set *Set) time.Time {
	lifetime := set.ExpiresAt.Sub(set.IssuedAt)
	if lifetime <= 0 {
		return set.ExpiresAt
	}
	return set.IssuedAt.Add(time.Duration(float64(lifetime) * refreshFraction))
}

// Run proactively refreshes the token in the background until ctx ends.
// Failures invalidate the set rather than retrying forever.
func (m *Manager) Run(ctx context.Context) {
	for {
		m.mu.Lock()
		cur := m.cur
		m.mu.Unlock()

		var wait time.Duration
		if cur == nil {
			wait = time.Minute
		} else {
			wait = m.refreshDeadline(cur).Sub(m.clock.Now())
			if wait < time.Second {
				wait = time.Second
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}

		m.mu.Lock()
		cur = m.cur
		m.mu.Unlock()
		if cur == nil {
			continue
		}
		if m.clock.Now().Before(m.refreshDeadline(cur)) {
			continue
		}
		if _, err := m.Token(ctx); err != nil {
			slog.Error("background token refresh failed", "error", err)
		}
	}
}

// tokenEndpointResponse mirrors the provider's token response body.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r *tokenEndpointResponse) token(clock Clock) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Expiry:       clock.Now().Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

// postForm posts a form to an identity endpoint and decodes the response,
// mapping OAuth2 error codes onto errors.
func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) (*tokenEndpointResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var ter tokenEndpointResponse
	if err := json.Unmarshal(body, &ter); err != nil {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if ter.Error != "" {
		return &ter, fmt.Errorf("token endpoint error %q: %s", ter.Error, ter.ErrorDesc)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if ter.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &ter, nil
}
