// ABOUTME: Access resolver deciding whether a principal may call a tool
// ABOUTME: Tool grant, then server grant, then role rule, otherwise deny

package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
)

// Decision sources.
const (
	SourceToolGrant   = "tool_grant"
	SourceServerGrant = "server_grant"
	SourceRoleRule    = "role_rule"
)

// Deny reasons.
const (
	ReasonNoPermission = "no access permission found"
	ReasonExpired      = "permission expired"
	ReasonHour         = "access not allowed at this hour"
	ReasonDay          = "access not allowed on this day"
	ReasonRateLimited  = "rate limit exceeded"
)

// Check asks whether Principal may call ToolName on ServerID.
type Check struct {
	Principal *auth.Principal
	ServerID  string
	ToolName  string
}

// Decision is the resolver's answer. Remaining counts are ratelimit.Unlimited
// for windows without a cap.
type Decision struct {
	Allowed                bool
	Reason                 string
	Source                 string
	AccessLevel            store.AccessLevel
	PermissionID           string
	RateLimitRemainingHour int
	RateLimitRemainingDay  int
	ErrorKind              apperr.Kind
}

// Err converts a deny decision into a typed error; nil when allowed.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.ErrorKind {
	case apperr.KindRateLimited:
		return apperr.RateLimited(d.RateLimitRemainingHour, d.RateLimitRemainingDay)
	case apperr.KindNotFound:
		return apperr.NotFound("%s", d.Reason)
	case apperr.KindInternal:
		return apperr.New(apperr.KindInternal, "%s", d.Reason)
	default:
		return apperr.PermissionDenied("%s", d.Reason)
	}
}

// Resolver evaluates access checks and manages grants and role rules.
type Resolver struct {
	store   store.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger

	patterns sync.Map // glob -> *regexp.Regexp
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used for expiry and time windows.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithMetrics records each decision.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver. The limiter is shared process-wide.
func New(s store.Store, limiter *ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	r := &Resolver{
		store:   s,
		limiter: limiter,
		now:     time.Now,
		logger:  logger.With("component", "access"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckAccess resolves a check. It never fails; problems become deny
// decisions carrying an ErrorKind.
func (r *Resolver) CheckAccess(ctx context.Context, c Check) *Decision {
	d := r.resolve(ctx, c)
	r.metrics.RecordAccess(d.Allowed)

	userID := ""
	if c.Principal != nil {
		userID = c.Principal.ID
	}
	if d.Allowed {
		r.logger.Debug("access allowed",
			"user_id", userID,
			"server_id", c.ServerID,
			"tool", c.ToolName,
			"source", d.Source)
	} else {
		r.logger.Info("access denied",
			"user_id", userID,
			"server_id", c.ServerID,
			"tool", c.ToolName,
			"reason", d.Reason)
	}
	return d
}

func (r *Resolver) resolve(ctx context.Context, c Check) *Decision {
	if c.Principal == nil || c.Principal.ID == "" {
		return deny(ReasonNoPermission, apperr.KindPermissionDenied)
	}

	server, err := r.store.GetServer(ctx, c.ServerID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(fmt.Sprintf("server %s not found", c.ServerID), apperr.KindNotFound)
	}
	if err != nil {
		return r.failed("getting server", err)
	}

	tool, err := r.store.GetToolByName(ctx, server.ID, c.ToolName)
	if errors.Is(err, store.ErrNotFound) {
		return deny(fmt.Sprintf("tool %s not found on server %s", c.ToolName, server.Name), apperr.KindNotFound)
	}
	if err != nil {
		return r.failed("getting tool", err)
	}

	userID := c.Principal.ID
	perm, err := r.store.FindToolPermission(ctx, userID, tool.ID)
	source := SourceToolGrant
	if errors.Is(err, store.ErrNotFound) {
		perm, err = r.store.FindServerPermission(ctx, userID, server.ID)
		source = SourceServerGrant
	}
	switch {
	case err == nil:
		return r.evaluateGrant(ctx, perm, source)
	case !errors.Is(err, store.ErrNotFound):
		return r.failed("finding permission", err)
	}

	return r.evaluateRoles(ctx, c.Principal.Roles, tool.Name, server.Name)
}

func (r *Resolver) evaluateGrant(ctx context.Context, p *store.ToolPermission, source string) *Decision {
	now := r.now().UTC()

	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return deny(ReasonExpired, apperr.KindPermissionDenied)
	}
	if reason := checkWindow(now, p.AllowedHours, p.AllowedDays); reason != "" {
		return deny(reason, apperr.KindPermissionDenied)
	}

	res := r.limiter.Allow("grant:"+p.ID,
		ratelimit.Hourly(p.RateLimitPerHour),
		ratelimit.Daily(p.RateLimitPerDay))
	d := &Decision{
		Allowed:                res.Allowed,
		Source:                 source,
		AccessLevel:            p.AccessLevel,
		PermissionID:           p.ID,
		RateLimitRemainingHour: res.RemainingFor("hour"),
		RateLimitRemainingDay:  res.RemainingFor("day"),
	}
	if !res.Allowed {
		d.Reason = ReasonRateLimited
		d.ErrorKind = apperr.KindRateLimited
		return d
	}

	if err := r.store.TouchPermission(ctx, p.ID, now); err != nil {
		r.logger.Warn("updating permission usage", "permission_id", p.ID, "error", err)
	}
	d.Reason = "access granted by " + strings.ReplaceAll(source, "_", " ")
	return d
}

func (r *Resolver) evaluateRoles(ctx context.Context, roles []string, toolName, serverName string) *Decision {
	now := r.now().UTC()
	var windowReason string

	for _, role := range roles {
		rules, err := r.store.ListRoleRules(ctx, role)
		if err != nil {
			return r.failed("listing role rules", err)
		}
		for _, rule := range rules {
			if !r.matches(rule.ToolPattern, toolName) && !r.matches(rule.ServerPattern, serverName) {
				continue
			}
			if reason := checkWindow(now, rule.AllowedHours, rule.AllowedDays); reason != "" {
				windowReason = reason
				continue
			}
			return &Decision{
				Allowed:                true,
				Reason:                 "access granted by role " + rule.Role,
				Source:                 SourceRoleRule,
				AccessLevel:            rule.AccessLevel,
				PermissionID:           rule.ID,
				RateLimitRemainingHour: capOrUnlimited(rule.RateLimitPerHour),
				RateLimitRemainingDay:  capOrUnlimited(rule.RateLimitPerDay),
			}
		}
	}

	if windowReason != "" {
		return deny(windowReason, apperr.KindPermissionDenied)
	}
	return deny(ReasonNoPermission, apperr.KindPermissionDenied)
}

// matches reports whether name matches a glob where * spans any run of
// characters. An empty pattern matches nothing.
func (r *Resolver) matches(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	if re, ok := r.patterns.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(name)
	}
	re, err := compileGlob(pattern)
	if err != nil {
		r.logger.Warn("ignoring invalid pattern", "pattern", pattern, "error", err)
		return false
	}
	r.patterns.Store(pattern, re)
	return re.MatchString(name)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	return regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
}

// checkWindow returns a deny reason when now falls outside the allowed
// hours (UTC) or weekdays (0=Monday). Empty lists allow everything.
func checkWindow(now time.Time, hours, days []int) string {
	if len(hours) > 0 && !slices.Contains(hours, now.Hour()) {
		return ReasonHour
	}
	if len(days) > 0 && !slices.Contains(days, mondayFirst(now.Weekday())) {
		return ReasonDay
	}
	return ""
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func capOrUnlimited(limit int) int {
	if limit <= 0 {
		return ratelimit.Unlimited
	}
	return limit
}

func deny(reason string, kind apperr.Kind) *Decision {
	return &Decision{
		Reason:                 reason,
		ErrorKind:              kind,
		RateLimitRemainingHour: ratelimit.Unlimited,
		RateLimitRemainingDay:  ratelimit.Unlimited,
	}
}

func (r *Resolver) failed(doing string, err error) *Decision {
	r.logger.Error("access check failed", "doing", doing, "error", err)
	return deny("access check failed", apperr.KindInternal)
}
