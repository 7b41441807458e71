package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// LogOnly prints envelopes instead of sending them. It exists for dry-run
// deployments and local testing and always reports success.
type LogOnly struct {
	w io.Writer
}

// NewLogOnly writes to stdout.
func NewLogOnly() *LogOnly { return &LogOnly{w: os.Stdout} }

// NewLogOnlyWithWriter writes to w, for tests.
func NewLogOnlyWithWriter(w io.Writer) *LogOnly { return &LogOnly{w: w} }

// Name returns "logonly".
func (l *LogOnly) Name() string { return "logonly" }

// Deliver prints a summary of the envelope.
func (l *LogOnly) Deliver(_ context.Context, env *email.Envelope) error {
	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))
	fmt.Fprintf(&b, "Source: %s via %s\n", env.RemoteIP, env.ListenerID)
	fmt.Fprintf(&b, "Size: %d bytes\n", len(env.Data))
	b.WriteString("========================================\n")
	fmt.Fprint(l.w, b.String())
	return nil
}
