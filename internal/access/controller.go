package access

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Config configures the access controller's persistence.
type Config struct {
	StorePath     string
	AuditPath     string
	AuditMaxBytes int64
	AuditKeep     int
}

// snapshot is the compiled, read-only view served to the hot path. It is
// swapped atomically after every mutation; readers never take a lock.
type snapshot struct {
	noAuth    []netip.Prefix
	authReq   []netip.Prefix
	mgmt      []netip.Prefix
	blacklist []netip.Prefix
	settings  Settings
}

// Controller is the authoritative access-control engine. Mutations are
// serialized through a process mutex plus the store's lock file; each one
// re-reads current state, applies the change, persists it, then appends
// exactly one audit record.
type Controller struct {
	mu    sync.Mutex
	store *fileStore
	audit *auditLog
	snap  atomic.Pointer[snapshot]
}

// SMTPDecision is the outcome of an SMTP-side IP check.
type SMTPDecision struct {
	Allowed      bool `json:"allowed"`
	RequiresAuth bool `json:"requires_auth"`
}

// New opens (or initializes) the rule store and publishes the first
// snapshot.
func New(cfg Config) (*Controller, error) {
	store, err := newFileStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		store: store,
		audit: newAuditLog(cfg.AuditPath, cfg.AuditMaxBytes, cfg.AuditKeep),
	}
	f, err := store.load()
	if err != nil {
		return nil, err
	}
	c.publish(f)
	return c, nil
}

func (c *Controller) publish(f *ruleFile) {
	snap := &snapshot{settings: f.Settings}
	compile := func(rules []Rule) []netip.Prefix {
		out := make([]netip.Prefix, 0, len(rules))
		for _, r := range rules {
			p, err := prefixFor(r.Value)
			if err != nil {
				slog.Warn("skipping uncompilable access rule", "value", r.Value, "error", err)
				continue
			}
			out = append(out, p)
		}
		return out
	}
	snap.noAuth = compile(f.SMTPNoAuth)
	snap.authReq = compile(f.SMTPAuthRequired)
	snap.mgmt = compile(f.Management)
	snap.blacklist = compile(f.Blacklist)
	c.snap.Store(snap)
}

// mutate runs fn against a freshly loaded rule file under both locks,
// persists the result, publishes a new snapshot, and appends one audit
// record. Audit failure is logged but never reverts the mutation.
func (c *Controller) mutate(rec AuditRecord, fn func(*ruleFile) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.acquireLock(); err != nil {
		return err
	}
	defer c.store.releaseLock()

	f, err := c.store.load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	if err := c.store.save(f); err != nil {
		return err
	}
	c.publish(f)

	if _, err := c.audit.append(rec); err != nil {
		slog.Error("audit append failed", "action", rec.Action, "error", err)
	}
	return nil
}

// Add validates and appends a rule. It fails on a duplicate, an unknown
// category pair, or an allow-list entry that is already blacklisted.
// The normalized value is returned.
func (c *Controller) Add(cat Category, sub Subcategory, value, actor string) (string, error) {
	if !ValidPair(cat, sub) {
		return "", fmt.Errorf("unknown category %q/%q", cat, sub)
	}
	res, err := Validate(value)
	if err != nil {
		return "", err
	}

	err = c.mutate(AuditRecord{
		Action:      "add",
		Category:    string(cat),
		Subcategory: string(sub),
		Value:       res.Normalized,
		Actor:       actor,
	}, func(f *ruleFile) error {
		list := f.list(cat, sub)
		for _, r := range *list {
			if r.Value == res.Normalized {
				return fmt.Errorf("%s already present in %s/%s", res.Normalized, cat, sub)
			}
		}
		if cat != CategoryBlacklist {
			for _, r := range f.Blacklist {
				if r.Value == res.Normalized {
					return fmt.Errorf("%s is blacklisted; remove it from the blacklist first", res.Normalized)
				}
			}
		}
		*list = append(*list, Rule{Value: res.Normalized, AddedBy: actor, AddedAt: nowUTC()})
		return nil
	})
	if err != nil {
		return "", err
	}
	return res.Normalized, nil
}

// Remove deletes a rule. Removing a management-allow entry fails when it
// would strip the caller's own access, or leave the list empty while
// enforcement is active.
func (c *Controller) Remove(cat Category, sub Subcategory, value, actor, callerIP string) error {
	if !ValidPair(cat, sub) {
		return fmt.Errorf("unknown category %q/%q", cat, sub)
	}
	res, err := Validate(value)
	if err != nil {
		return err
	}

	return c.mutate(AuditRecord{
		Action:      "remove",
		Category:    string(cat),
		Subcategory: string(sub),
		Value:       res.Normalized,
		Actor:       actor,
	}, func(f *ruleFile) error {
		list := f.list(cat, sub)
		idx := -1
		for i, r := range *list {
			if r.Value == res.Normalized {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s not found in %s/%s", res.Normalized, cat, sub)
		}

		if cat == CategoryManagement && f.Settings.EnforceManagement {
			remaining := make([]Rule, 0, len(*list)-1)
			remaining = append(remaining, (*list)[:idx]...)
			remaining = append(remaining, (*list)[idx+1:]...)
			if len(remaining) == 0 {
				return fmt.Errorf("cannot remove the last management entry while enforcement is active")
			}
			caller, perr := netip.ParseAddr(callerIP)
			if perr != nil {
				return fmt.Errorf("invalid caller IP %q: %w", callerIP, perr)
			}
			if !rulesContain(remaining, caller) {
				return fmt.Errorf("removing %s would lock out the caller (%s)", res.Normalized, callerIP)
			}
		}

		*list = append((*list)[:idx], (*list)[idx+1:]...)
		return nil
	})
}

// IsSMTPAllowed checks an IP against the SMTP lists. Blacklist membership
// always wins. When both SMTP lists are empty the default is
// allowed-with-auth.
func (c *Controller) IsSMTPAllowed(ip string) SMTPDecision {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return SMTPDecision{}
	}
	snap := c.snap.Load()

	if matchAny(snap.blacklist, addr) {
		return SMTPDecision{}
	}
	if matchAny(snap.noAuth, addr) {
		return SMTPDecision{Allowed: true}
	}
	if matchAny(snap.authReq, addr) {
		return SMTPDecision{Allowed: true, RequiresAuth: true}
	}
	if len(snap.noAuth) == 0 && len(snap.authReq) == 0 {
		return SMTPDecision{Allowed: true, RequiresAuth: true}
	}
	return SMTPDecision{}
}

// IsManagementAllowed checks an IP against the management allow-list.
// Fail-open: with enforcement disabled or an empty list, everything passes,
// so an operator can never lock themselves out by wiping the list. The
// blacklist still wins.
func (c *Controller) IsManagementAllowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	snap := c.snap.Load()

	if matchAny(snap.blacklist, addr) {
		return false
	}
	if !snap.settings.EnforceManagement || len(snap.mgmt) == 0 {
		return true
	}
	return matchAny(snap.mgmt, addr)
}

// IsBlacklisted reports blacklist membership only.
func (c *Controller) IsBlacklisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return matchAny(c.snap.Load().blacklist, addr)
}

// Settings returns the current settings snapshot.
func (c *Controller) Settings() Settings {
	return c.snap.Load().settings
}

// UpdateSettings replaces the settings. Turning management enforcement on is
// rejected when the caller's IP is not already in the allow-list.
func (c *Controller) UpdateSettings(s Settings, actor, callerIP string) error {
	return c.mutate(AuditRecord{
		Action:   "settings",
		Category: "settings",
		Value:    fmt.Sprintf("enforce=%t log_auth_failures=%t auto_block=%t", s.EnforceManagement, s.LogAuthFailures, s.AutoBlockEnabled),
		Actor:    actor,
	}, func(f *ruleFile) error {
		if s.EnforceManagement && !f.Settings.EnforceManagement {
			caller, err := netip.ParseAddr(callerIP)
			if err != nil {
				return fmt.Errorf("invalid caller IP %q: %w", callerIP, err)
			}
			if !rulesContain(f.Management, caller) {
				return fmt.Errorf("caller %s is not in the management allow-list; refusing to enable enforcement", callerIP)
			}
		}
		f.Settings = s
		return nil
	})
}

// Rules returns a copy of one category list for the management API.
func (c *Controller) Rules(cat Category, sub Subcategory) ([]Rule, error) {
	if !ValidPair(cat, sub) {
		return nil, fmt.Errorf("unknown category %q/%q", cat, sub)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.store.load()
	if err != nil {
		return nil, err
	}
	list := f.list(cat, sub)
	out := make([]Rule, len(*list))
	copy(out, *list)
	return out, nil
}

// TestResult reports how a single IP fares against every rule set.
type TestResult struct {
	IP                string       `json:"ip"`
	Blacklisted       bool         `json:"blacklisted"`
	SMTP              SMTPDecision `json:"smtp"`
	ManagementAllowed bool         `json:"management_allowed"`
}

// Test evaluates an arbitrary IP against all rules.
func (c *Controller) Test(ip string) (*TestResult, error) {
	res, err := Validate(ip)
	if err != nil {
		return nil, err
	}
	if res.Type != "ip" {
		return nil, fmt.Errorf("test expects a single IP, not a CIDR")
	}
	return &TestResult{
		IP:                res.Normalized,
		Blacklisted:       c.IsBlacklisted(res.Normalized),
		SMTP:              c.IsSMTPAllowed(res.Normalized),
		ManagementAllowed: c.IsManagementAllowed(res.Normalized),
	}, nil
}

// AuditPage returns one page of the audit trail, newest first.
func (c *Controller) AuditPage(page, perPage int) ([]AuditRecord, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	all, err := c.audit.records()
	if err != nil {
		return nil, 0, err
	}
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := len(all)
	start := (page - 1) * perPage
	if start >= total {
		return []AuditRecord{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func rulesContain(rules []Rule, addr netip.Addr) bool {
	for _, r := range rules {
		p, err := prefixFor(r.Value)
		if err != nil {
			continue
		}
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
