// ABOUTME: Administration of explicit grants and role access rules
// ABOUTME: Validates scope, access level, time windows and caps before persisting

package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/store"
)

// GrantSpec describes a new explicit grant. Exactly one of ToolID and
// ServerID must be set.
type GrantSpec struct {
	UserID           string            `yaml:"user_id" json:"user_id"`
	ToolID           string            `yaml:"tool_id,omitempty" json:"tool_id,omitempty"`
	ServerID         string            `yaml:"server_id,omitempty" json:"server_id,omitempty"`
	AccessLevel      store.AccessLevel `yaml:"access_level" json:"access_level"`
	RateLimitPerHour int               `yaml:"rate_limit_per_hour" json:"rate_limit_per_hour"`
	RateLimitPerDay  int               `yaml:"rate_limit_per_day" json:"rate_limit_per_day"`
	AllowedHours     []int             `yaml:"allowed_hours,omitempty" json:"allowed_hours,omitempty"`
	AllowedDays      []int             `yaml:"allowed_days,omitempty" json:"allowed_days,omitempty"`
	ExpiresAt        *time.Time        `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// PermissionPatch changes a grant. Nil fields are left alone.
type PermissionPatch struct {
	AccessLevel      *store.AccessLevel
	RateLimitPerHour *int
	RateLimitPerDay  *int
	AllowedHours     *[]int
	AllowedDays      *[]int
	ExpiresAt        *time.Time
	ClearExpiry      bool
}

// RoleRuleSpec describes a new role access rule.
type RoleRuleSpec struct {
	Role             string            `yaml:"role" json:"role"`
	ToolPattern      string            `yaml:"tool_pattern,omitempty" json:"tool_pattern,omitempty"`
	ServerPattern    string            `yaml:"server_pattern,omitempty" json:"server_pattern,omitempty"`
	AccessLevel      store.AccessLevel `yaml:"access_level" json:"access_level"`
	RateLimitPerHour int               `yaml:"rate_limit_per_hour" json:"rate_limit_per_hour"`
	RateLimitPerDay  int               `yaml:"rate_limit_per_day" json:"rate_limit_per_day"`
	AllowedHours     []int             `yaml:"allowed_hours,omitempty" json:"allowed_hours,omitempty"`
	AllowedDays      []int             `yaml:"allowed_days,omitempty" json:"allowed_days,omitempty"`
}

// Grant creates an explicit permission after checking its target exists.
func (r *Resolver) Grant(ctx context.Context, spec GrantSpec, grantedBy string) (*store.ToolPermission, error) {
	if spec.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if (spec.ToolID == "") == (spec.ServerID == "") {
		return nil, apperr.Validation("permission must reference exactly one of tool_id or server_id")
	}
	if spec.AccessLevel == "" {
		spec.AccessLevel = store.AccessReadOnly
	}
	if err := validateRule(spec.AccessLevel, spec.RateLimitPerHour, spec.RateLimitPerDay, spec.AllowedHours, spec.AllowedDays); err != nil {
		return nil, err
	}

	if spec.ToolID != "" {
		if _, err := r.store.GetTool(ctx, spec.ToolID); err != nil {
			return nil, notFoundOr(err, "tool", spec.ToolID)
		}
	} else {
		if _, err := r.store.GetServer(ctx, spec.ServerID); err != nil {
			return nil, notFoundOr(err, "server", spec.ServerID)
		}
	}

	now := r.now().UTC()
	perm := &store.ToolPermission{
		ID:               uuid.New().String(),
		UserID:           spec.UserID,
		ToolID:           spec.ToolID,
		ServerID:         spec.ServerID,
		AccessLevel:      spec.AccessLevel,
		RateLimitPerHour: spec.RateLimitPerHour,
		RateLimitPerDay:  spec.RateLimitPerDay,
		AllowedHours:     spec.AllowedHours,
		AllowedDays:      spec.AllowedDays,
		ExpiresAt:        spec.ExpiresAt,
		GrantedBy:        grantedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreatePermission(ctx, perm); err != nil {
		return nil, fmt.Errorf("creating permission: %w", err)
	}

	r.logger.Info("permission granted",
		"permission_id", perm.ID,
		"user_id", perm.UserID,
		"tool_id", perm.ToolID,
		"server_id", perm.ServerID,
		"granted_by", grantedBy)
	return perm, nil
}

// Update applies patch to an existing grant.
func (r *Resolver) Update(ctx context.Context, id string, patch PermissionPatch) (*store.ToolPermission, error) {
	perm, err := r.store.GetPermission(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "permission", id)
	}

	if patch.AccessLevel != nil {
		perm.AccessLevel = *patch.AccessLevel
	}
	if patch.RateLimitPerHour != nil {
		perm.RateLimitPerHour = *patch.RateLimitPerHour
	}
	if patch.RateLimitPerDay != nil {
		perm.RateLimitPerDay = *patch.RateLimitPerDay
	}
	if patch.AllowedHours != nil {
		perm.AllowedHours = *patch.AllowedHours
	}
	if patch.AllowedDays != nil {
		perm.AllowedDays = *patch.AllowedDays
	}
	switch {
	case patch.ClearExpiry:
		perm.ExpiresAt = nil
	case patch.ExpiresAt != nil:
		perm.ExpiresAt = patch.ExpiresAt
	}

	if err := validateRule(perm.AccessLevel, perm.RateLimitPerHour, perm.RateLimitPerDay, perm.AllowedHours, perm.AllowedDays); err != nil {
		return nil, err
	}

	perm.UpdatedAt = r.now().UTC()
	if err := r.store.UpdatePermission(ctx, perm); err != nil {
		return nil, notFoundOr(err, "permission", id)
	}
	r.logger.Info("permission updated", "permission_id", id)
	return perm, nil
}

// Revoke deletes a grant.
func (r *Resolver) Revoke(ctx context.Context, id string) error {
	if err := r.store.DeletePermission(ctx, id); err != nil {
		return notFoundOr(err, "permission", id)
	}
	r.logger.Info("permission revoked", "permission_id", id)
	return nil
}

// ListPermissions returns a user's grants.
func (r *Resolver) ListPermissions(ctx context.Context, userID string) ([]*store.ToolPermission, error) {
	perms, err := r.store.ListPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	return perms, nil
}

// PurgeExpired deletes grants whose expiry has passed.
func (r *Resolver) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredPermissions(ctx, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging expired permissions: %w", err)
	}
	if n > 0 {
		r.logger.Info("purged expired permissions", "count", n)
	}
	return n, nil
}

// CreateRoleRule adds a rule for every holder of spec.Role.
func (r *Resolver) CreateRoleRule(ctx context.Context, spec RoleRuleSpec, createdBy string) (*store.RoleAccessRule, error) {
	if spec.Role == "" {
		return nil, apperr.Validation("role is required")
	}
	if spec.ToolPattern == "" && spec.ServerPattern == "" {
		return nil, apperr.Validation("at least one of tool_pattern or server_pattern is required")
	}
	for _, p := range []string{spec.ToolPattern, spec.ServerPattern} {
		if p == "" {
			continue
		}
		if _, err := compileGlob(p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid pattern %q", p)
		}
	}
	if spec.AccessLevel == "" {
		spec.AccessLevel = store.AccessReadOnly
	}
	if err := validateRule(spec.AccessLevel, spec.RateLimitPerHour, spec.RateLimitPerDay, spec.AllowedHours, spec.AllowedDays); err != nil {
		return nil, err
	}

	rule := &store.RoleAccessRule{
		ID:               uuid.New().String(),
		Role:             spec.Role,
		ToolPattern:      spec.ToolPattern,
		ServerPattern:    spec.ServerPattern,
		AccessLevel:      spec.AccessLevel,
		RateLimitPerHour: spec.RateLimitPerHour,
		RateLimitPerDay:  spec.RateLimitPerDay,
		AllowedHours:     spec.AllowedHours,
		AllowedDays:      spec.AllowedDays,
		CreatedBy:        createdBy,
		CreatedAt:        r.now().UTC(),
	}
	if err := r.store.CreateRoleRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("creating role rule: %w", err)
	}

	r.logger.Info("role rule created",
		"rule_id", rule.ID,
		"role", rule.Role,
		"tool_pattern", rule.ToolPattern,
		"server_pattern", rule.ServerPattern)
	return rule, nil
}

// DeleteRoleRule removes a rule.
func (r *Resolver) DeleteRoleRule(ctx context.Context, id string) error {
	if err := r.store.DeleteRoleRule(ctx, id); err != nil {
		return notFoundOr(err, "role rule", id)
	}
	r.logger.Info("role rule deleted", "rule_id", id)
	return nil
}

// ListRoleRules returns the rules for role, or all rules when role is empty.
func (r *Resolver) ListRoleRules(ctx context.Context, role string) ([]*store.RoleAccessRule, error) {
	rules, err := r.store.ListRoleRules(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("listing role rules: %w", err)
	}
	return rules, nil
}

func validateRule(level store.AccessLevel, perHour, perDay int, hours, days []int) error {
	if !level.Valid() {
		return apperr.Validation("invalid access level %q", level)
	}
	if perHour < 0 || perDay < 0 {
		return apperr.Validation("rate limits cannot be negative")
	}
	for _, h := range hours {
		if h < 0 || h > 23 {
			return apperr.Validation("allowed hour %d out of range 0-23", h)
		}
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return apperr.Validation("allowed day %d out of range 0-6", d)
		}
	}
	return nil
}

// notFoundOr maps store.ErrNotFound to a typed NotFound error for the
// named entity and wraps anything else.
func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("%s %s not found", entity, id)
	}
	return fmt.Errorf("%s %s: %w", entity, id, err)
}
