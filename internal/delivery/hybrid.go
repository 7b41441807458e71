package delivery

import (
	"context"
	"log/slog"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// Hybrid composes a primary and a secondary transport. The secondary is
// tried only for the auth/mechanism-unavailable failure class; falling back
// on generic failures would risk double-sending a message the primary
// actually accepted.
type Hybrid struct {
	primary  Transport
	fallback Transport
}

// NewHybrid creates the composite transport.
func NewHybrid(primary, fallback Transport) *Hybrid {
	return &Hybrid{primary: primary, fallback: fallback}
}

// Name returns "hybrid".
func (h *Hybrid) Name() string { return "hybrid" }

// Deliver tries the primary and falls back on auth-unavailable failures
// only.
func (h *Hybrid) Deliver(ctx context.Context, env *email.Envelope) error {
	err := h.primary.Deliver(ctx, env)
	if err == nil {
		return nil
	}
	if !IsAuthUnavailable(err) {
		return err
	}
	slog.Warn("primary transport unavailable, falling back",
		"primary", h.primary.Name(),
		"fallback", h.fallback.Name(),
		"error", err,
	)
	return h.fallback.Deliver(ctx, env)
}
