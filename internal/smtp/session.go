package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/auth"
	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being
// closed.
const idleTimeout = 60 * time.Second

// maxViolations bounds protocol errors per connection; a peer that keeps
// sending malformed sequences is dropped.
const maxViolations = 5

// maxRecipients bounds RCPT TO commands per transaction.
const maxRecipients = 100

// Session represents a single SMTP client connection and manages the
// protocol state machine for one listener.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	listener ListenerConfig
	config   ServerConfig
	remoteIP string

	tlsActive  bool
	violations int

	identity *auth.Identity

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, lc ListenerConfig, cfg ServerConfig) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		listener:  lc,
		config:    cfg,
		remoteIP:  remoteIP(conn),
		tlsActive: lc.TLSMode == TLSImplicit,
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, the violation budget is exhausted, or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// blacklisted peers get no banner at all
	dec := s.config.Auth.CheckIPAccess(ctx, s.remoteIP)
	if !dec.Allowed {
		slog.Info("connection rejected by access rules",
			"ip", s.remoteIP,
			"listener", s.listener.ID,
		)
		return
	}
	if !dec.RequiresAuth {
		s.identity = &auth.Identity{Username: "ip-bypass", Bypass: true}
	}

	s.writeLine("220 %s ESMTP ready", s.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "ip", s.remoteIP, "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
		if s.violations >= maxViolations {
			s.writeLine("421 Too many protocol errors, closing connection")
			slog.Warn("dropping connection after repeated protocol violations",
				"ip", s.remoteIP,
				"listener", s.listener.ID,
			)
			return
		}
	}
}

// violation counts a protocol error and sends the reply for it.
func (s *Session) violation(format string, args ...any) {
	s.violations++
	s.writeLine(format, args...)
}

// handleCommand processes a single SMTP command and returns true if the
// session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(ctx, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.violation("500 Unrecognized command")
	}
	return false
}

func (s *Session) authAdvertised() bool {
	if s.listener.Auth == AuthDisabled {
		return false
	}
	// before STARTTLS on a starttls listener, keep AUTH off the table
	if s.listener.TLSMode == TLSStartTLS && !s.tlsActive {
		return false
	}
	return true
}

func (s *Session) mechanisms() []string {
	if len(s.listener.Mechanisms) > 0 {
		return s.listener.Mechanisms
	}
	return []string{"PLAIN", "LOGIN"}
}

func (s *Session) mechanismAllowed(mech string) bool {
	for _, m := range s.mechanisms() {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.violation("501 Syntax: %s hostname", cmd)
		return
	}

	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)
	if s.listener.TLSMode == TLSStartTLS && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.authAdvertised() {
		s.writeLine("250-AUTH %s", strings.Join(s.mechanisms(), " "))
	}
	s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.listener.TLSMode != TLSStartTLS || s.config.TLS == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.violation("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.config.TLS)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("TLS handshake failed", "ip", s.remoteIP, "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH processes AUTH commands for the listener's allowed mechanisms.
func (s *Session) handleAUTH(ctx context.Context, arg string) {
	if s.state < stateGreeted {
		s.violation("503 Send EHLO/HELO first")
		return
	}
	if !s.authAdvertised() {
		s.violation("503 AUTH not available")
		return
	}
	if s.identity != nil && !s.identity.Bypass {
		s.violation("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	if !s.mechanismAllowed(mechanism) {
		s.violation("504 Unrecognized authentication type")
		return
	}

	var username, password string
	var ok bool
	switch mechanism {
	case "PLAIN":
		username, password, ok = s.readPlainCredentials(parts)
	case "LOGIN":
		username, password, ok = s.readLoginCredentials()
	}
	if !ok {
		return
	}

	identity, err := s.config.Auth.Authenticate(ctx, username, password, s.remoteIP)
	if err != nil {
		if errors.Is(err, auth.ErrIPNotPermitted) {
			s.writeLine("535 5.7.8 Access denied from this IP")
		} else {
			s.writeLine("535 5.7.8 Authentication failed")
		}
		return
	}

	s.identity = identity
	if s.state < stateAuthOK {
		s.state = stateAuthOK
	}
	s.writeLine("235 2.7.0 Authentication successful")
}

// canRelay reports whether the session may issue MAIL FROM. The bypass
// identity set at connect time for no-auth source IPs counts as
// authenticated; every other peer needs AUTH regardless of listener mode.
func (s *Session) canRelay() bool {
	return s.identity != nil
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.violation("503 Send EHLO/HELO first")
		return
	}
	if !s.canRelay() {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.violation("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.violation("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. Recipients outside the relay
// domains are rejected individually; the transaction continues for the
// others.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.violation("503 Send MAIL FROM first")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 4.5.3 Too many recipients")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.violation("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.violation("501 Syntax: RCPT TO:<address>")
		return
	}

	if !s.relayDomainAllowed(addr) {
		s.writeLine("550 5.7.1 Relaying to %s not permitted", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// relayDomainAllowed checks a recipient against the configured relay
// domains. An empty configuration relays everywhere.
func (s *Session) relayDomainAllowed(addr string) bool {
	if len(s.config.RelayDomains) == 0 {
		return true
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(addr[at+1:])
	for _, d := range s.config.RelayDomains {
		if domain == strings.ToLower(d) {
			return true
		}
	}
	return false
}

// handleDATA reads the message body, enforcing the size limit while
// reading, and hands the envelope to the retry queue. The 250 goes out only
// after the envelope is durably spooled.
func (s *Session) handleDATA(_ context.Context) {
	if s.state < stateRcptTo {
		s.violation("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	oversize := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("error reading DATA", "ip", s.remoteIP, "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// dot-stuffing: strip the extra leading dot
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if oversize {
			continue // drain to the terminator without buffering
		}
		if int64(data.Len()+len(line)) > s.config.MaxMessageSize {
			oversize = true
			continue
		}
		data.WriteString(line)
	}

	if oversize {
		s.writeLine("552 5.3.4 Message exceeds maximum size of %d bytes", s.config.MaxMessageSize)
		s.resetTransaction()
		return
	}

	env := &email.Envelope{
		From:       s.mailFrom,
		To:         append([]string(nil), s.rcptTo...),
		Data:       []byte(data.String()),
		RemoteIP:   s.remoteIP,
		ListenerID: s.listener.ID,
		ReceivedAt: time.Now().UTC(),
	}
	if s.identity != nil && !s.identity.Bypass {
		env.AuthUser = s.identity.Username
	}

	id, err := s.config.Queue.Enqueue(env)
	if err != nil {
		slog.Error("enqueue failed",
			"ip", s.remoteIP,
			"listener", s.listener.ID,
			"error", err,
		)
		// internal failure is temporary: the sender should retry
		s.writeLine("451 4.3.0 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}

	slog.Info("message accepted for relay",
		"queue_id", id,
		"from", env.From,
		"recipients", len(env.To),
		"bytes", len(env.Data),
		"ip", s.remoteIP,
		"listener", s.listener.ID,
	)
	s.writeLine("250 2.0.0 OK queued as %s", id)
	s.resetTransaction()
}

// readPlainCredentials handles inline and challenge-response AUTH PLAIN.
func (s *Session) readPlainCredentials(parts []string) (string, string, bool) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334 ")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", "", false
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", "", false
	}

	username, password, err := decodePlain(encoded)
	if err != nil {
		s.violation("501 Invalid AUTH PLAIN response")
		return "", "", false
	}
	return username, password, true
}

// readLoginCredentials runs the AUTH LOGIN challenge-response exchange.
func (s *Session) readLoginCredentials() (string, string, bool) {
	challenge := func(prompt string) (string, bool) {
		s.writeLine("334 %s", prompt)
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", false
		}
		resp := strings.TrimRight(line, "\r\n")
		if resp == "*" {
			s.writeLine("501 Authentication cancelled")
			return "", false
		}
		return resp, true
	}

	encodedUser, ok := challenge("VXNlcm5hbWU6")
	if !ok {
		return "", "", false
	}
	encodedPass, ok := challenge("UGFzc3dvcmQ6")
	if !ok {
		return "", "", false
	}

	username, password, err := decodeLogin(encodedUser, encodedPass)
	if err != nil {
		s.violation("501 Invalid base64 response")
		return "", "", false
	}
	return username, password, true
}

// resetTransaction clears the current mail transaction without affecting
// greeting or auth state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.identity != nil && s.state > stateAuthOK {
		s.state = stateAuthOK
	} else if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter, handling
// both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	// strip ESMTP parameters like SIZE=... on bare addresses
	if sp := strings.IndexByte(s, ' '); sp >= 0 {
		s = s[:sp]
	}
	return s
}
