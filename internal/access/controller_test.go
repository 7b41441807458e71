package access

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		StorePath: filepath.Join(dir, "access.json"),
		AuditPath: filepath.Join(dir, "audit.log"),
	})
	require.NoError(t, err)
	return c
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         string
		wantType   string
		normalized string
		wantErr    bool
	}{
		{name: "plain ipv4", in: "10.1.1.1", wantType: "ip", normalized: "10.1.1.1"},
		{name: "ipv4 cidr", in: "192.168.1.17/24", wantType: "cidr", normalized: "192.168.1.0/24"},
		{name: "ipv6", in: "2001:db8::1", wantType: "ip", normalized: "2001:db8::1"},
		{name: "ipv6 cidr", in: "2001:db8::/32", wantType: "cidr", normalized: "2001:db8::/32"},
		{name: "whitespace trimmed", in: "  10.0.0.1 ", wantType: "ip", normalized: "10.0.0.1"},
		{name: "empty", in: "", wantErr: true},
		{name: "shell metacharacters", in: "10.0.0.1;rm -rf /", wantErr: true},
		{name: "backtick injection", in: "`id`", wantErr: true},
		{name: "bad octet", in: "300.1.1.1", wantErr: true},
		{name: "hostname", in: "mail.example.com", wantErr: true},
		{name: "overlong", in: "10.0.0.1/24" + string(make([]byte, 80)), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := Validate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, res.Type)
			assert.Equal(t, tt.normalized, res.Normalized)
		})
	}
}

func TestAddAndSMTPDecision(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	norm, err := c.Add(CategorySMTP, SubcategoryNoAuth, "10.1.1.1", "ops")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", norm)

	dec := c.IsSMTPAllowed("10.1.1.1")
	assert.True(t, dec.Allowed)
	assert.False(t, dec.RequiresAuth)

	// unlisted IP with a populated list is denied
	dec = c.IsSMTPAllowed("10.9.9.9")
	assert.False(t, dec.Allowed)
}

func TestDefaultAllowedWithAuth(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	dec := c.IsSMTPAllowed("203.0.113.9")
	assert.True(t, dec.Allowed)
	assert.True(t, dec.RequiresAuth)
}

func TestAddRejectsDuplicateAndUnknownCategory(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Add(CategorySMTP, SubcategoryNoAuth, "10.1.1.0/24", "ops")
	require.NoError(t, err)
	_, err = c.Add(CategorySMTP, SubcategoryNoAuth, "10.1.1.0/24", "ops")
	assert.Error(t, err)

	_, err = c.Add(Category("firewall"), SubcategoryNoAuth, "10.2.2.2", "ops")
	assert.Error(t, err)
	_, err = c.Add(CategorySMTP, Subcategory("vip"), "10.2.2.2", "ops")
	assert.Error(t, err)
}

func TestBlacklistOverridesEverything(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Add(CategorySMTP, SubcategoryNoAuth, "10.5.0.0/16", "ops")
	require.NoError(t, err)
	_, err = c.Add(CategoryManagement, SubcategoryAllowed, "10.5.1.1", "ops")
	require.NoError(t, err)
	_, err = c.Add(CategoryBlacklist, SubcategoryGlobal, "10.5.1.1", "ops")
	require.NoError(t, err)

	assert.False(t, c.IsSMTPAllowed("10.5.1.1").Allowed)
	assert.False(t, c.IsManagementAllowed("10.5.1.1"))
	assert.True(t, c.IsSMTPAllowed("10.5.1.2").Allowed)

	// adding a blacklisted value to an allow list is rejected
	_, err = c.Add(CategorySMTP, SubcategoryAuthRequired, "10.5.1.1", "ops")
	assert.Error(t, err)
}

func TestManagementFailOpen(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	// enforcement off, list empty: everything passes
	assert.True(t, c.IsManagementAllowed("198.51.100.7"))

	_, err := c.Add(CategoryManagement, SubcategoryAllowed, "198.51.100.7", "ops")
	require.NoError(t, err)
	require.NoError(t, c.UpdateSettings(Settings{EnforceManagement: true}, "ops", "198.51.100.7"))

	assert.True(t, c.IsManagementAllowed("198.51.100.7"))
	assert.False(t, c.IsManagementAllowed("198.51.100.8"))
}

func TestEnableEnforcementRequiresCallerInList(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	err := c.UpdateSettings(Settings{EnforceManagement: true}, "ops", "198.51.100.7")
	assert.Error(t, err)
	assert.False(t, c.Settings().EnforceManagement)
}

func TestRemoveLastManagementEntryFails(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Add(CategoryManagement, SubcategoryAllowed, "198.51.100.7", "ops")
	require.NoError(t, err)
	require.NoError(t, c.UpdateSettings(Settings{EnforceManagement: true}, "ops", "198.51.100.7"))

	err = c.Remove(CategoryManagement, SubcategoryAllowed, "198.51.100.7", "ops", "198.51.100.7")
	assert.Error(t, err)

	rules, err := c.Rules(CategoryManagement, SubcategoryAllowed)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "list must be unchanged after the rejected removal")
}

func TestRemoveCannotLockOutCaller(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Add(CategoryManagement, SubcategoryAllowed, "198.51.100.7", "ops")
	require.NoError(t, err)
	_, err = c.Add(CategoryManagement, SubcategoryAllowed, "198.51.100.8", "ops")
	require.NoError(t, err)
	require.NoError(t, c.UpdateSettings(Settings{EnforceManagement: true}, "ops", "198.51.100.7"))

	// removing the caller's own entry is refused
	err = c.Remove(CategoryManagement, SubcategoryAllowed, "198.51.100.7", "ops", "198.51.100.7")
	assert.Error(t, err)

	// removing somebody else's entry is fine
	err = c.Remove(CategoryManagement, SubcategoryAllowed, "198.51.100.8", "ops", "198.51.100.7")
	assert.NoError(t, err)
}

func TestConcurrentMutationsSerializeWithFullAuditTrail(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	const n = 24
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Add(CategorySMTP, SubcategoryAuthRequired, fmt.Sprintf("10.20.0.%d", i+1), "ops")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rules, err := c.Rules(CategorySMTP, SubcategoryAuthRequired)
	require.NoError(t, err)
	assert.Len(t, rules, n)

	records, total, err := c.AuditPage(1, 500)
	require.NoError(t, err)
	assert.Equal(t, n, total)
	assert.Len(t, records, n)
}

func TestAuditPagination(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	for i := 0; i < 7; i++ {
		_, err := c.Add(CategorySMTP, SubcategoryNoAuth, fmt.Sprintf("10.30.0.%d", i+1), "ops")
		require.NoError(t, err)
	}

	page1, total, err := c.AuditPage(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page1, 3)
	// newest first
	assert.Equal(t, "10.30.0.7", page1[0].Value)

	page3, _, err := c.AuditPage(3, 3)
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	empty, _, err := c.AuditPage(4, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{
		StorePath: filepath.Join(dir, "access.json"),
		AuditPath: filepath.Join(dir, "audit.log"),
	}

	c, err := New(cfg)
	require.NoError(t, err)
	_, err = c.Add(CategoryBlacklist, SubcategoryGlobal, "192.0.2.66", "ops")
	require.NoError(t, err)

	reopened, err := New(cfg)
	require.NoError(t, err)
	assert.True(t, reopened.IsBlacklisted("192.0.2.66"))
}

func TestTest(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	_, err := c.Add(CategorySMTP, SubcategoryNoAuth, "10.1.1.1", "ops")
	require.NoError(t, err)

	res, err := c.Test("10.1.1.1")
	require.NoError(t, err)
	assert.True(t, res.SMTP.Allowed)
	assert.False(t, res.SMTP.RequiresAuth)
	assert.False(t, res.Blacklisted)

	_, err = c.Test("10.0.0.0/8")
	assert.Error(t, err)
}
