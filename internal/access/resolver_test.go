// ABOUTME: Tests for the access resolver and grant administration
// ABOUTME: Runs against a temp-dir SQLite store with a fixed clock

package access

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
)

// Monday 10:00 UTC
var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store    *store.SQLStore
	resolver *Resolver
	now      time.Time
	server   *store.ToolServer
	tools    map[string]*store.ServerTool
}

func setupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: setupTestStore(t), now: fixedNow, tools: map[string]*store.ServerTool{}}
	clock := func() time.Time { return env.now }
	env.resolver = New(env.store, ratelimit.New(ratelimit.WithClock(clock)), nil, WithClock(clock))

	ctx := context.Background()
	env.server = &store.ToolServer{
		ID: uuid.New().String(), Name: "reports", Transport: store.TransportSSE,
		URL: "http://localhost/sse", Status: store.StatusEnabled, HealthStatus: store.HealthUnknown,
		MaxFailures: 3, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}
	require.NoError(t, env.store.CreateServer(ctx, env.server))

	for _, name := range []string{"report_summary", "report_detail", "search_web"} {
		tool := &store.ServerTool{
			ID: uuid.New().String(), ServerID: env.server.ID, Name: name,
			Status: store.ToolEnabled, IsAvailable: true, CreatedAt: fixedNow, UpdatedAt: fixedNow,
		}
		require.NoError(t, env.store.CreateTool(ctx, tool))
		env.tools[name] = tool
	}
	return env
}

func (e *testEnv) check(t *testing.T, p *auth.Principal, tool string) *Decision {
	t.Helper()
	return e.resolver.CheckAccess(context.Background(), Check{Principal: p, ServerID: e.server.ID, ToolName: tool})
}

func user(id string, roles ...string) *auth.Principal {
	return &auth.Principal{ID: id, Type: "user", Roles: roles}
}

func TestCheckAccess_ToolGrantRateLimit(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.resolver.Grant(ctx, GrantSpec{
		UserID:           "alice",
		ToolID:           env.tools["search_web"].ID,
		AccessLevel:      store.AccessReadWrite,
		RateLimitPerHour: 2,
	}, "admin")
	require.NoError(t, err)

	alice := user("alice")
	d := env.check(t, alice, "search_web")
	require.True(t, d.Allowed)
	assert.Equal(t, SourceToolGrant, d.Source)
	assert.Equal(t, store.AccessReadWrite, d.AccessLevel)
	assert.Equal(t, 1, d.RateLimitRemainingHour)
	assert.Equal(t, ratelimit.Unlimited, d.RateLimitRemainingDay)

	require.True(t, env.check(t, alice, "search_web").Allowed)

	d = env.check(t, alice, "search_web")
	assert.False(t, d.Allowed)
	assert.Equal(t, apperr.KindRateLimited, d.ErrorKind)
	assert.Equal(t, 0, d.RateLimitRemainingHour)

	err = d.Err()
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 0, ae.RemainingHour)
}

func TestCheckAccess_RoleFallback(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.resolver.CreateRoleRule(ctx, RoleRuleSpec{
		Role:        "analyst",
		ToolPattern: "report_*",
		AccessLevel: store.AccessReadOnly,
	}, "admin")
	require.NoError(t, err)

	bob := user("bob", "analyst")
	d := env.check(t, bob, "report_summary")
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceRoleRule, d.Source)
	assert.Equal(t, store.AccessReadOnly, d.AccessLevel)

	d = env.check(t, bob, "search_web")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoPermission, d.Reason)
	assert.ErrorIs(t, d.Err(), apperr.ErrPermissionDenied)

	// Same tool, role the rule does not name
	assert.False(t, env.check(t, user("carol", "viewer"), "report_summary").Allowed)
}

func TestCheckAccess_RoleRuleServerPatternAndCaps(t *testing.T) {
	env := newEnv(t)
	_, err := env.resolver.CreateRoleRule(context.Background(), RoleRuleSpec{
		Role:             "ops",
		ServerPattern:    "rep*",
		RateLimitPerHour: 10,
	}, "admin")
	require.NoError(t, err)

	d := env.check(t, user("dave", "ops"), "search_web")
	require.True(t, d.Allowed)
	assert.Equal(t, 10, d.RateLimitRemainingHour, "role caps are reported, not consumed")
	assert.Equal(t, ratelimit.Unlimited, d.RateLimitRemainingDay)

	d = env.check(t, user("dave", "ops"), "search_web")
	assert.Equal(t, 10, d.RateLimitRemainingHour)
}

func TestCheckAccess_RoleRuleTimeWindow(t *testing.T) {
	env := newEnv(t)
	_, err := env.resolver.CreateRoleRule(context.Background(), RoleRuleSpec{
		Role:         "analyst",
		ToolPattern:  "*",
		AllowedHours: []int{22, 23},
	}, "admin")
	require.NoError(t, err)

	d := env.check(t, user("bob", "analyst"), "report_summary")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHour, d.Reason)
}

func TestCheckAccess_ToolGrantBeatsServerGrant(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.resolver.Grant(ctx, GrantSpec{
		UserID: "alice", ServerID: env.server.ID, AccessLevel: store.AccessReadOnly,
	}, "admin")
	require.NoError(t, err)
	_, err = env.resolver.Grant(ctx, GrantSpec{
		UserID: "alice", ToolID: env.tools["report_detail"].ID, AccessLevel: store.AccessAdmin,
	}, "admin")
	require.NoError(t, err)

	d := env.check(t, user("alice"), "report_detail")
	require.True(t, d.Allowed)
	assert.Equal(t, SourceToolGrant, d.Source)
	assert.Equal(t, store.AccessAdmin, d.AccessLevel)

	d = env.check(t, user("alice"), "search_web")
	require.True(t, d.Allowed)
	assert.Equal(t, SourceServerGrant, d.Source)
	assert.Equal(t, store.AccessReadOnly, d.AccessLevel)
}

func TestCheckAccess_GrantBypassesRoleRules(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	past := fixedNow.Add(-time.Hour)
	_, err := env.resolver.Grant(ctx, GrantSpec{
		UserID: "bob", ToolID: env.tools["report_summary"].ID, ExpiresAt: &past,
	}, "admin")
	require.NoError(t, err)
	_, err = env.resolver.CreateRoleRule(ctx, RoleRuleSpec{Role: "analyst", ToolPattern: "report_*"}, "admin")
	require.NoError(t, err)

	d := env.check(t, user("bob", "analyst"), "report_summary")
	assert.False(t, d.Allowed, "an expired explicit grant is authoritative")
	assert.Equal(t, ReasonExpired, d.Reason)
}

func TestCheckAccess_TimeWindows(t *testing.T) {
	tests := []struct {
		name   string
		hours  []int
		days   []int
		allow  bool
		reason string
	}{
		{"no restriction", nil, nil, true, ""},
		{"current hour allowed", []int{9, 10, 11}, nil, true, ""},
		{"outside hours", []int{9}, nil, false, ReasonHour},
		{"monday allowed", nil, []int{0}, true, ""},
		{"weekend only", nil, []int{5, 6}, false, ReasonDay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			_, err := env.resolver.Grant(context.Background(), GrantSpec{
				UserID:       "alice",
				ToolID:       env.tools["search_web"].ID,
				AllowedHours: tt.hours,
				AllowedDays:  tt.days,
			}, "admin")
			require.NoError(t, err)

			d := env.check(t, user("alice"), "search_web")
			assert.Equal(t, tt.allow, d.Allowed)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, d.Reason)
			}
		})
	}
}

func TestCheckAccess_ExpiryBoundary(t *testing.T) {
	env := newEnv(t)
	exp := fixedNow.Add(time.Minute)
	_, err := env.resolver.Grant(context.Background(), GrantSpec{
		UserID: "alice", ToolID: env.tools["search_web"].ID, ExpiresAt: &exp,
	}, "admin")
	require.NoError(t, err)

	assert.True(t, env.check(t, user("alice"), "search_web").Allowed)
	env.now = exp
	assert.False(t, env.check(t, user("alice"), "search_web").Allowed)
}

func TestCheckAccess_UnknownTargets(t *testing.T) {
	env := newEnv(t)

	d := env.check(t, user("alice"), "does_not_exist")
	assert.False(t, d.Allowed)
	assert.Equal(t, apperr.KindNotFound, d.ErrorKind)

	d = env.resolver.CheckAccess(context.Background(), Check{Principal: user("alice"), ServerID: "nope", ToolName: "x"})
	assert.Equal(t, apperr.KindNotFound, d.ErrorKind)
	assert.ErrorIs(t, d.Err(), apperr.ErrNotFound)

	d = env.resolver.CheckAccess(context.Background(), Check{ServerID: env.server.ID, ToolName: "search_web"})
	assert.False(t, d.Allowed)
}

func TestCheckAccess_TouchesGrant(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	perm, err := env.resolver.Grant(ctx, GrantSpec{UserID: "alice", ToolID: env.tools["search_web"].ID}, "admin")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, env.check(t, user("alice"), "search_web").Allowed)
	}

	got, err := env.store.GetPermission(ctx, perm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(fixedNow))
}

func TestGrant_Validation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	toolID := env.tools["search_web"].ID

	tests := []struct {
		name string
		spec GrantSpec
		kind apperr.Kind
	}{
		{"missing user", GrantSpec{ToolID: toolID}, apperr.KindValidation},
		{"both scopes", GrantSpec{UserID: "u", ToolID: toolID, ServerID: env.server.ID}, apperr.KindValidation},
		{"no scope", GrantSpec{UserID: "u"}, apperr.KindValidation},
		{"bad level", GrantSpec{UserID: "u", ToolID: toolID, AccessLevel: "superuser"}, apperr.KindValidation},
		{"bad hour", GrantSpec{UserID: "u", ToolID: toolID, AllowedHours: []int{24}}, apperr.KindValidation},
		{"bad day", GrantSpec{UserID: "u", ToolID: toolID, AllowedDays: []int{7}}, apperr.KindValidation},
		{"negative cap", GrantSpec{UserID: "u", ToolID: toolID, RateLimitPerDay: -1}, apperr.KindValidation},
		{"unknown tool", GrantSpec{UserID: "u", ToolID: "missing"}, apperr.KindNotFound},
		{"unknown server", GrantSpec{UserID: "u", ServerID: "missing"}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.resolver.Grant(ctx, tt.spec, "admin")
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestUpdateAndRevoke(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	perm, err := env.resolver.Grant(ctx, GrantSpec{UserID: "alice", ToolID: env.tools["search_web"].ID}, "admin")
	require.NoError(t, err)
	assert.Equal(t, store.AccessReadOnly, perm.AccessLevel)

	level := store.AccessReadWrite
	perHour := 1
	updated, err := env.resolver.Update(ctx, perm.ID, PermissionPatch{AccessLevel: &level, RateLimitPerHour: &perHour})
	require.NoError(t, err)
	assert.Equal(t, store.AccessReadWrite, updated.AccessLevel)

	require.True(t, env.check(t, user("alice"), "search_web").Allowed)
	assert.False(t, env.check(t, user("alice"), "search_web").Allowed)

	bad := -3
	_, err = env.resolver.Update(ctx, perm.ID, PermissionPatch{RateLimitPerHour: &bad})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, env.resolver.Revoke(ctx, perm.ID))
	assert.ErrorIs(t, env.resolver.Revoke(ctx, perm.ID), apperr.ErrNotFound)
	_, err = env.resolver.Update(ctx, perm.ID, PermissionPatch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.False(t, env.check(t, user("alice"), "search_web").Allowed)
}

func TestPurgeExpired(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)

	_, err := env.resolver.Grant(ctx, GrantSpec{UserID: "a", ToolID: env.tools["search_web"].ID, ExpiresAt: &past}, "admin")
	require.NoError(t, err)
	_, err = env.resolver.Grant(ctx, GrantSpec{UserID: "b", ToolID: env.tools["search_web"].ID, ExpiresAt: &future}, "admin")
	require.NoError(t, err)

	n, err := env.resolver.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	perms, err := env.resolver.ListPermissions(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}

func TestRoleRules_Admin(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.resolver.CreateRoleRule(ctx, RoleRuleSpec{Role: "analyst"}, "admin")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = env.resolver.CreateRoleRule(ctx, RoleRuleSpec{ToolPattern: "*"}, "admin")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	rule, err := env.resolver.CreateRoleRule(ctx, RoleRuleSpec{Role: "analyst", ToolPattern: "report_*"}, "admin")
	require.NoError(t, err)

	rules, err := env.resolver.ListRoleRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, env.resolver.DeleteRoleRule(ctx, rule.ID))
	assert.ErrorIs(t, env.resolver.DeleteRoleRule(ctx, rule.ID), apperr.ErrNotFound)
	assert.False(t, env.check(t, user("bob", "analyst"), "report_summary").Allowed)
}

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"report_*", "report_summary", true},
		{"report_*", "xreport_summary", false},
		{"*", "anything", true},
		{"web.search", "web.search", true},
		{"web.search", "webxsearch", false},
		{"*_web", "search_web", true},
	}
	for _, tt := range tests {
		re, err := compileGlob(tt.pattern)
		require.NoError(t, err)
		assert.Equal(t, tt.want, re.MatchString(tt.name), "%s vs %s", tt.pattern, tt.name)
	}
}

func TestMondayFirst(t *testing.T) {
	assert.Equal(t, 0, mondayFirst(time.Monday))
	assert.Equal(t, 6, mondayFirst(time.Sunday))
	assert.Equal(t, 5, mondayFirst(time.Saturday))
}
