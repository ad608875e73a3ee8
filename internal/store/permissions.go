// ABOUTME: Tool permission grants and role access rule persistence
// ABOUTME: A grant targets exactly one tool or one server, enforced by a CHECK constraint

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const permissionColumns = `
	id, user_id, tool_id, server_id, access_level, rate_limit_per_hour, rate_limit_per_day,
	allowed_hours_json, allowed_days_json, expires_at, usage_count, last_used_at,
	granted_by, created_at, updated_at`

// CreatePermission inserts a grant.
func (s *SQLStore) CreatePermission(ctx context.Context, perm *ToolPermission) error {
	hours, err := marshalJSON(perm.AllowedHours)
	if err != nil {
		return err
	}
	days, err := marshalJSON(perm.AllowedDays)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tool_permissions (` + permissionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		perm.ID,
		perm.UserID,
		nullString(perm.ToolID),
		nullString(perm.ServerID),
		string(perm.AccessLevel),
		perm.RateLimitPerHour,
		perm.RateLimitPerDay,
		hours,
		days,
		nullTime(perm.ExpiresAt),
		perm.UsageCount,
		nullTime(perm.LastUsedAt),
		perm.GrantedBy,
		formatTime(perm.CreatedAt),
		formatTime(perm.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting permission: %w", err)
	}
	return nil
}

// GetPermission retrieves a grant by ID.
func (s *SQLStore) GetPermission(ctx context.Context, id string) (*ToolPermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM tool_permissions WHERE id = ?`
	perm, err := scanPermission(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying permission: %w", err)
	}
	return perm, nil
}

// UpdatePermission writes the mutable fields of a grant.
func (s *SQLStore) UpdatePermission(ctx context.Context, perm *ToolPermission) error {
	hours, err := marshalJSON(perm.AllowedHours)
	if err != nil {
		return err
	}
	days, err := marshalJSON(perm.AllowedDays)
	if err != nil {
		return err
	}

	query := `
		UPDATE tool_permissions SET
			access_level = ?, rate_limit_per_hour = ?, rate_limit_per_day = ?,
			allowed_hours_json = ?, allowed_days_json = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`
	err = s.execOne(ctx, query,
		string(perm.AccessLevel),
		perm.RateLimitPerHour,
		perm.RateLimitPerDay,
		hours,
		days,
		nullTime(perm.ExpiresAt),
		formatTime(perm.UpdatedAt),
		perm.ID,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("updating permission: %w", err)
	}
	return nil
}

// DeletePermission removes a grant.
func (s *SQLStore) DeletePermission(ctx context.Context, id string) error {
	err := s.execOne(ctx, `DELETE FROM tool_permissions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("deleting permission: %w", err)
	}
	return nil
}

// FindToolPermission returns the newest tool-scoped grant for a user.
func (s *SQLStore) FindToolPermission(ctx context.Context, userID, toolID string) (*ToolPermission, error) {
	return s.findPermission(ctx, "tool_id", userID, toolID)
}

// FindServerPermission returns the newest server-scoped grant for a user.
func (s *SQLStore) FindServerPermission(ctx context.Context, userID, serverID string) (*ToolPermission, error) {
	return s.findPermission(ctx, "server_id", userID, serverID)
}

func (s *SQLStore) findPermission(ctx context.Context, column, userID, targetID string) (*ToolPermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM tool_permissions
		WHERE user_id = ? AND ` + column + ` = ?
		ORDER BY created_at DESC
		LIMIT 1`
	perm, err := scanPermission(s.queryRow(ctx, query, userID, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying permission: %w", err)
	}
	return perm, nil
}

// ListPermissions returns every grant held by a user.
func (s *SQLStore) ListPermissions(ctx context.Context, userID string) ([]*ToolPermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM tool_permissions WHERE user_id = ? ORDER BY created_at ASC`
	rows, err := s.query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*ToolPermission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission rows: %w", err)
	}
	return perms, nil
}

// TouchPermission bumps usage_count and last_used_at.
func (s *SQLStore) TouchPermission(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE tool_permissions SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`
	err := s.execOne(ctx, query, formatTime(at), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("touching permission: %w", err)
	}
	return nil
}

// DeleteExpiredPermissions removes grants whose expiry has passed.
func (s *SQLStore) DeleteExpiredPermissions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx,
		`DELETE FROM tool_permissions WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired permissions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// CreateRoleRule inserts a role access rule.
func (s *SQLStore) CreateRoleRule(ctx context.Context, rule *RoleAccessRule) error {
	hours, err := marshalJSON(rule.AllowedHours)
	if err != nil {
		return err
	}
	days, err := marshalJSON(rule.AllowedDays)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO role_access_rules (
			id, role, tool_pattern, server_pattern, access_level, rate_limit_per_hour,
			rate_limit_per_day, allowed_hours_json, allowed_days_json, created_by, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		rule.ID,
		rule.Role,
		rule.ToolPattern,
		rule.ServerPattern,
		string(rule.AccessLevel),
		rule.RateLimitPerHour,
		rule.RateLimitPerDay,
		hours,
		days,
		rule.CreatedBy,
		formatTime(rule.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting role rule: %w", err)
	}
	return nil
}

// DeleteRoleRule removes a role access rule.
func (s *SQLStore) DeleteRoleRule(ctx context.Context, id string) error {
	err := s.execOne(ctx, `DELETE FROM role_access_rules WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("deleting role rule: %w", err)
	}
	return nil
}

// ListRoleRules returns rules for a role in creation order.
// An empty role lists every rule.
func (s *SQLStore) ListRoleRules(ctx context.Context, role string) ([]*RoleAccessRule, error) {
	query := `
		SELECT id, role, tool_pattern, server_pattern, access_level, rate_limit_per_hour,
		       rate_limit_per_day, allowed_hours_json, allowed_days_json, created_by, created_at
		FROM role_access_rules
	`
	args := []any{}
	if role != "" {
		query += " WHERE role = ?"
		args = append(args, role)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying role rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*RoleAccessRule
	for rows.Next() {
		var (
			rule        RoleAccessRule
			level       string
			hours, days sql.NullString
			createdAt   string
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.Role,
			&rule.ToolPattern,
			&rule.ServerPattern,
			&level,
			&rule.RateLimitPerHour,
			&rule.RateLimitPerDay,
			&hours,
			&days,
			&rule.CreatedBy,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning role rule: %w", err)
		}
		rule.AccessLevel = AccessLevel(level)
		if err := unmarshalJSON(hours, &rule.AllowedHours); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(days, &rule.AllowedDays); err != nil {
			return nil, err
		}
		if rule.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role rule rows: %w", err)
	}
	return rules, nil
}

func scanPermission(row rowScanner) (*ToolPermission, error) {
	var (
		perm                        ToolPermission
		toolID, serverID            sql.NullString
		hours, days                 sql.NullString
		expiresAt, lastUsed         sql.NullString
		level, createdAt, updatedAt string
	)

	err := row.Scan(
		&perm.ID,
		&perm.UserID,
		&toolID,
		&serverID,
		&level,
		&perm.RateLimitPerHour,
		&perm.RateLimitPerDay,
		&hours,
		&days,
		&expiresAt,
		&perm.UsageCount,
		&lastUsed,
		&perm.GrantedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	perm.ToolID = toolID.String
	perm.ServerID = serverID.String
	perm.AccessLevel = AccessLevel(level)

	if err := unmarshalJSON(hours, &perm.AllowedHours); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(days, &perm.AllowedDays); err != nil {
		return nil, err
	}
	if perm.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if perm.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	if perm.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if perm.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &perm, nil
}
