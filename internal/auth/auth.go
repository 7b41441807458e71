// Package auth decides whether an inbound SMTP AUTH attempt or an IP-based
// bypass is acceptable. It combines the access controller's lists, a static
// credential table, and an auto-block counter for repeated failures.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/access"
	"github.com/SilvioTormen/smtprelay-sub001/internal/kv"
)

// Failure reasons are deliberately coarse on the wire: a wrong password and
// an unknown username produce the same error so usernames cannot be probed.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrIPNotPermitted     = errors.New("access denied from this IP")
)

// Credential is one entry of the static credential table loaded at startup.
type Credential struct {
	Username     string
	Password     string
	AllowedCIDRs []string
}

// Identity describes an authenticated (or bypassed) SMTP peer.
type Identity struct {
	Username string
	Bypass   bool
}

// Handler evaluates connection and AUTH decisions.
type Handler struct {
	ctl   *access.Controller
	creds map[string]Credential
	store kv.Store

	logMu   sync.Mutex
	logPath string
}

// New builds a Handler from the static credential set. The kv store backs
// the auto-block counters; logPath, when non-empty, receives one line per
// auth failure while failure logging is enabled in the controller settings.
func New(ctl *access.Controller, creds []Credential, store kv.Store, logPath string) *Handler {
	table := make(map[string]Credential, len(creds))
	for _, c := range creds {
		table[c.Username] = c
	}
	return &Handler{ctl: ctl, creds: table, store: store, logPath: logPath}
}

// CheckIPAccess is evaluated at CONNECT. A blacklisted or auto-blocked IP is
// denied outright. The returned decision tells the listener whether the IP
// may relay without AUTH.
func (h *Handler) CheckIPAccess(ctx context.Context, ip string) access.SMTPDecision {
	if h.isAutoBlocked(ctx, ip) {
		return access.SMTPDecision{}
	}
	return h.ctl.IsSMTPAllowed(ip)
}

// Authenticate verifies a username/password pair for a session. If the
// source IP qualifies for the no-auth bypass the credentials are not even
// inspected and a synthetic bypass identity is returned.
func (h *Handler) Authenticate(ctx context.Context, username, password, sourceIP string) (*Identity, error) {
	if dec := h.ctl.IsSMTPAllowed(sourceIP); dec.Allowed && !dec.RequiresAuth {
		return &Identity{Username: "ip-bypass", Bypass: true}, nil
	}

	cred, ok := h.creds[username]
	if !ok {
		// burn the same comparison cost as the real path
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		h.recordFailure(ctx, username, sourceIP, "unknown user")
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(cred.Password), []byte(password)) != 1 {
		h.recordFailure(ctx, username, sourceIP, "bad password")
		return nil, ErrInvalidCredentials
	}

	if len(cred.AllowedCIDRs) > 0 {
		addr, err := netip.ParseAddr(sourceIP)
		if err != nil {
			h.recordFailure(ctx, username, sourceIP, "unparseable source IP")
			return nil, ErrIPNotPermitted
		}
		if !cidrsContain(cred.AllowedCIDRs, addr) {
			h.recordFailure(ctx, username, sourceIP, "source IP outside user restriction")
			return nil, ErrIPNotPermitted
		}
	}

	return &Identity{Username: username}, nil
}

func cidrsContain(cidrs []string, addr netip.Addr) bool {
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			if single, aerr := netip.ParseAddr(c); aerr == nil {
				prefix = netip.PrefixFrom(single, single.BitLen())
			} else {
				continue
			}
		}
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

const autoBlockPrefix = "authfail"

// recordFailure feeds the failure log and the auto-block counter. Both are
// best effort and never change the outcome of the AUTH attempt.
func (h *Handler) recordFailure(ctx context.Context, username, sourceIP, reason string) {
	settings := h.ctl.Settings()

	if settings.LogAuthFailures && h.logPath != "" {
		h.appendFailureLog(username, sourceIP, reason)
	}

	if !settings.AutoBlockEnabled {
		return
	}
	window := time.Duration(settings.AutoBlockWindowSec) * time.Second
	if window <= 0 {
		window = 10 * time.Minute
	}
	threshold := int64(settings.AutoBlockThreshold)
	if threshold <= 0 {
		threshold = 10
	}

	n, err := h.store.Incr(ctx, autoBlockPrefix+":count:"+sourceIP, window)
	if err != nil {
		slog.Warn("auto-block counter update failed", "ip", sourceIP, "error", err)
		return
	}
	if n < threshold {
		return
	}

	dur := time.Duration(settings.AutoBlockDurSec) * time.Second
	if dur <= 0 {
		dur = time.Hour
	}
	if err := h.store.Set(ctx, autoBlockPrefix+":block:"+sourceIP, "1", dur); err != nil {
		slog.Warn("auto-block set failed", "ip", sourceIP, "error", err)
		return
	}
	slog.Info("auto-blocked IP after repeated auth failures",
		"ip", sourceIP,
		"failures", n,
		"duration", dur,
	)
}

func (h *Handler) isAutoBlocked(ctx context.Context, ip string) bool {
	if !h.ctl.Settings().AutoBlockEnabled {
		return false
	}
	_, blocked, err := h.store.Get(ctx, autoBlockPrefix+":block:"+ip)
	if err != nil {
		slog.Warn("auto-block lookup failed", "ip", ip, "error", err)
		return false
	}
	return blocked
}

func (h *Handler) appendFailureLog(username, sourceIP, reason string) {
	h.logMu.Lock()
	defer h.logMu.Unlock()

	f, err := os.OpenFile(h.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Warn("cannot open auth failure log", "path", h.logPath, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s user=%q ip=%s reason=%q\n",
		time.Now().UTC().Format(time.RFC3339), username, sourceIP, reason)
}
