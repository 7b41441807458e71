package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
	"github.com/SilvioTormen/smtprelay-sub001/internal/token"
)

// Relay streams the envelope to the upstream mail platform over an
// authenticated outbound SMTP session, presenting the bearer token via the
// SASL XOAUTH2 mechanism. This is the legacy path for tenants where the
// structured API is not available.
type Relay struct {
	cfg    RelayConfig
	tokens TokenSource
}

// RelayConfig configures the legacy SMTP transport.
type RelayConfig struct {
	// Host and Port address the upstream submission endpoint,
	// e.g. smtp.office365.com:587.
	Host string
	Port int

	// User is the mailbox the XOAUTH2 identity asserts.
	User string

	// DisableTLS skips STARTTLS; only for tests against plain listeners.
	DisableTLS bool

	// DialTimeout bounds the TCP connect; the same value caps the whole
	// SMTP conversation via a connection deadline.
	DialTimeout time.Duration
}

// NewRelay creates the legacy SMTP transport.
func NewRelay(cfg RelayConfig, tokens TokenSource) *Relay {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Relay{cfg: cfg, tokens: tokens}
}

// Name returns "smtp".
func (r *Relay) Name() string { return "smtp" }

// Deliver opens one SMTP session, authenticates with one token, and streams
// the envelope.
func (r *Relay) Deliver(ctx context.Context, env *email.Envelope) error {
	bearer, err := r.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, token.ErrReauthRequired) {
			return AuthUnavailable("no usable token", err)
		}
		return Transient("token temporarily unavailable", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	dialer := &net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient("dial upstream relay", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(r.cfg.DialTimeout))

	client, err := smtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		return Transient("upstream greeting", err)
	}
	defer client.Close()

	if !r.cfg.DisableTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return AuthUnavailable("upstream does not offer STARTTLS", nil)
		}
		if err := client.StartTLS(&tls.Config{ServerName: r.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return Transient("starttls with upstream", err)
		}
	}

	user := r.cfg.User
	if user == "" {
		user = env.From
	}
	if err := client.Auth(xoauth2Auth{user: user, token: bearer}); err != nil {
		return classifySMTPError("xoauth2 auth rejected", err, true)
	}

	if err := client.Mail(env.From); err != nil {
		return classifySMTPError("MAIL FROM rejected", err, false)
	}
	for _, rcpt := range env.To {
		if err := client.Rcpt(rcpt); err != nil {
			return classifySMTPError("recipient rejected", err, false)
		}
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTPError("DATA rejected", err, false)
	}
	if _, err := w.Write(env.Data); err != nil {
		return Transient("streaming message body", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTPError("message rejected after DATA", err, false)
	}

	// The 250 after DATA hands ownership to the upstream; a failed QUIT must
	// not resurface as a retryable error or the message would be sent twice.
	if err := client.Quit(); err != nil {
		slog.Debug("upstream QUIT failed after acceptance", "host", r.cfg.Host, "error", err)
	}
	return nil
}

// classifySMTPError maps an upstream SMTP reply onto the failure taxonomy.
// Auth-phase rejections fall into the auth-unavailable class so a hybrid
// deployment can try the structured API instead.
func classifySMTPError(reason string, err error, authPhase bool) *Error {
	code := smtpReplyCode(err)
	switch {
	case authPhase:
		return AuthUnavailable(reason, err)
	case code >= 400 && code < 500:
		return Transient(reason, err)
	case code >= 500:
		if code == 504 || code == 538 || code == 530 {
			return AuthUnavailable(reason, err)
		}
		return Permanent(reason, err)
	default:
		return Transient(reason, err)
	}
}

// smtpReplyCode extracts the three-digit reply code from an upstream error.
func smtpReplyCode(err error) int {
	if err == nil {
		return 0
	}
	var tperr *textproto.Error
	if errors.As(err, &tperr) {
		return tperr.Code
	}
	msg := err.Error()
	if len(msg) >= 3 {
		if code := parseCode(msg[:3]); code >= 200 && code < 600 {
			return code
		}
	}
	return 0
}

func parseCode(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// xoauth2Auth implements the SASL XOAUTH2 initial-response:
// "user=<addr>\x01auth=Bearer <token>\x01\x01".
type xoauth2Auth struct {
	user  string
	token string
}

func (a xoauth2Auth) Start(*smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// the server sent a JSON challenge describing the failure; an empty
		// response tells it to finish with the real error reply
		if strings.TrimSpace(string(fromServer)) != "" {
			return []byte(""), nil
		}
	}
	return nil, nil
}
