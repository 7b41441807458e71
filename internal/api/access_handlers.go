package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/SilvioTormen/smtprelay-sub001/internal/access"
)

// ruleRequest is the body for rule mutations.
type ruleRequest struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Value       string `json:"value"`
}

func (req *ruleRequest) pair() (access.Category, access.Subcategory) {
	return access.Category(req.Category), access.Subcategory(req.Subcategory)
}

// handleListRules returns the rules for one category/subcategory pair.
// GET /api/v1/access/rules?category=smtp&subcategory=no_auth
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	cat := access.Category(r.URL.Query().Get("category"))
	sub := access.Subcategory(r.URL.Query().Get("subcategory"))

	rules, err := s.ctl.Rules(cat, sub)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rules == nil {
		rules = []access.Rule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"category":    cat,
		"subcategory": sub,
		"rules":       rules,
		"total":       len(rules),
	})
}

// handleAddRule adds one IP or CIDR rule.
// POST /api/v1/access/rules
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cat, sub := req.pair()
	normalized, err := s.ctl.Add(cat, sub, req.Value, actor(r))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"category":    cat,
		"subcategory": sub,
		"value":       normalized,
	})
}

// handleRemoveRule removes one rule. The caller's own IP is passed through
// so the controller can refuse self-lockout removals.
// DELETE /api/v1/access/rules
func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cat, sub := req.pair()
	if err := s.ctl.Remove(cat, sub, req.Value, actor(r), requestIP(r)); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAudit returns a page of the audit trail, newest first.
// GET /api/v1/access/audit?page=1&per_page=50
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	records, total, err := s.ctl.AuditPage(page, perPage)
	if err != nil {
		writeJSONError(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []access.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
	})
}

// handleGetSettings returns the enforcement settings.
// GET /api/v1/access/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Settings())
}

// handleUpdateSettings replaces the enforcement settings.
// PUT /api/v1/access/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings access.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.ctl.UpdateSettings(settings, actor(r), requestIP(r)); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, s.ctl.Settings())
}

// handleTestIP evaluates a single IP against every rule category.
// GET /api/v1/access/test/{ip}
func (s *Server) handleTestIP(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctl.Test(chi.URLParam(r, "ip"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
