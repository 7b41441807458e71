package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// handleOAuthStatus reports the token manager state without exposing token
// material.
// GET /api/v1/oauth/status
func (s *Server) handleOAuthStatus(w http.ResponseWriter, _ *http.Request) {
	if s.tokens == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}

	resp := map[string]any{
		"configured": true,
		"state":      s.tokens.State().String(),
	}
	if set := s.tokens.Current(); set != nil {
		resp["flow"] = string(set.Flow)
		resp["expires_at"] = set.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartDeviceFlow begins the device-code consent flow and polls for
// completion in the background. The response carries the code the operator
// must enter.
// POST /api/v1/oauth/device
func (s *Server) handleStartDeviceFlow(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeJSONError(w, "no oauth tenant configured", http.StatusConflict)
		return
	}

	da, err := s.tokens.StartDeviceFlow(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	// polling outlives the request; the manager bounds it by the code
	// lifetime and its attempt budget
	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), da.ExpiresAt.Add(time.Minute))
		defer cancel()
		if _, err := s.tokens.WaitForConsent(ctx, da); err != nil {
			slog.Warn("device flow did not complete", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"user_code":        da.UserCode,
		"verification_uri": da.VerificationURI,
		"message":          da.Message,
		"expires_at":       da.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleInvalidateToken drops the cached token set, forcing a fresh grant.
// DELETE /api/v1/oauth/token
func (s *Server) handleInvalidateToken(w http.ResponseWriter, _ *http.Request) {
	if s.tokens == nil {
		writeJSONError(w, "no oauth tenant configured", http.StatusConflict)
		return
	}
	s.tokens.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus summarizes the daemon for the dashboard landing page.
// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := map[string]int{}
	if items, err := s.queue.List(); err == nil {
		for _, item := range items {
			counts[string(item.State)]++
		}
	}

	resp := map[string]any{
		"queue": counts,
	}
	if s.tokens != nil {
		resp["oauth_state"] = s.tokens.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}
