package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DeviceAuth is the provider-issued device/user code pair an operator uses
// to authorize the relay from another device.
type DeviceAuth struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Message         string
	ExpiresAt       time.Time
	Interval        time.Duration
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Message         string `json:"message"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
	Error           string `json:"error"`
	ErrorDesc       string `json:"error_description"`
}

// StartDeviceFlow requests a device/user code pair and moves the manager to
// the pending state.
func (m *Manager) StartDeviceFlow(ctx context.Context) (*DeviceAuth, error) {
	form := url.Values{
		"client_id": {m.cfg.ClientID},
		"scope":     {strings.Join(m.cfg.Scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.deviceURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var dcr deviceCodeResponse
	if err := json.Unmarshal(body, &dcr); err != nil {
		return nil, fmt.Errorf("device code endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if dcr.Error != "" {
		return nil, fmt.Errorf("device code endpoint error %q: %s", dcr.Error, dcr.ErrorDesc)
	}
	if dcr.DeviceCode == "" || dcr.UserCode == "" {
		return nil, fmt.Errorf("device code endpoint returned incomplete response")
	}

	interval := time.Duration(dcr.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	m.mu.Lock()
	m.state = StatePending
	m.mu.Unlock()

	return &DeviceAuth{
		DeviceCode:      dcr.DeviceCode,
		UserCode:        dcr.UserCode,
		VerificationURI: dcr.VerificationURI,
		Message:         dcr.Message,
		ExpiresAt:       m.clock.Now().Add(time.Duration(dcr.ExpiresIn) * time.Second),
		Interval:        interval,
	}, nil
}

// PollOnce asks the token endpoint whether the user has completed consent.
// pending=true means not yet; a Set means success; an error is terminal.
// A slow_down answer stretches da.Interval before reporting pending.
func (m *Manager) PollOnce(ctx context.Context, da *DeviceAuth) (*Set, bool, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {m.cfg.ClientID},
		"device_code": {da.DeviceCode},
	}
	ter, err := m.postForm(ctx, m.tokenURL(), form)
	if err != nil {
		if ter != nil {
			switch ter.Error {
			case "authorization_pending":
				return nil, true, nil
			case "slow_down":
				// RFC 8628 section 3.5: add 5 seconds to the poll
				// interval for all subsequent requests
				da.Interval += 5 * time.Second
				return nil, true, nil
			case "expired_token":
				m.mu.Lock()
				m.state = StateUnauthenticated
				m.mu.Unlock()
				return nil, false, ErrDeviceCodeExpired
			case "authorization_declined", "access_denied":
				m.mu.Lock()
				m.state = StateUnauthenticated
				m.mu.Unlock()
				return nil, false, fmt.Errorf("user declined the device authorization")
			}
		}
		return nil, false, err
	}
	return m.adopt(ter.token(m.clock), FlowDeviceCode), false, nil
}

// WaitForConsent polls at the provider interval until the user completes
// consent, the code's validity window elapses, or the bounded attempt budget
// runs out. An expired window is the terminal ErrDeviceCodeExpired; the
// operator must restart the flow.
func (m *Manager) WaitForConsent(ctx context.Context, da *DeviceAuth) (*Set, error) {
	for attempt := 0; attempt < m.cfg.MaxPollAttempts; attempt++ {
		if !m.clock.Now().Before(da.ExpiresAt) {
			m.mu.Lock()
			m.state = StateUnauthenticated
			m.mu.Unlock()
			return nil, ErrDeviceCodeExpired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(da.Interval):
		}

		set, pending, err := m.PollOnce(ctx, da)
		if err != nil {
			return nil, err
		}
		if pending {
			continue
		}
		return set, nil
	}
	m.mu.Lock()
	m.state = StateUnauthenticated
	m.mu.Unlock()
	return nil, fmt.Errorf("%w: poll attempt budget exhausted", ErrDeviceCodeExpired)
}
