package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	orgMembersKeyFmt     = "voice:org:%s:members"
	projectMembersKeyFmt = "voice:project:%s:members"
	projectOrgKeyFmt     = "voice:project:%s:org"
)

// VerifyOrganizationAccess allows the identity's home organization or any
// organization listing the user as a member. Store errors deny.
func (m *Manager) VerifyOrganizationAccess(ctx context.Context, id Identity, orgID string) error {
	if orgID == "" || orgID == id.OrganizationID {
		return nil
	}
	ok, err := m.cachedMembership(ctx, "org:"+orgID+":"+id.UserID, func() (bool, error) {
		return m.client.SIsMember(ctx, fmt.Sprintf(orgMembersKeyFmt, orgID), id.UserID).Result()
	})
	if err != nil {
		return fmt.Errorf("verify organization access: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s is not a member of organization %s", ErrAccessDenied, id.UserID, orgID)
	}
	return nil
}

// VerifyProjectAccess allows direct project members and members of the
// organization owning the project
func (m *Manager) VerifyProjectAccess(ctx context.Context, id Identity, projectID string) error {
	if projectID == "" {
		return nil
	}
	ok, err := m.cachedMembership(ctx, "project:"+projectID+":"+id.UserID, func() (bool, error) {
		member, err := m.client.SIsMember(ctx, fmt.Sprintf(projectMembersKeyFmt, projectID), id.UserID).Result()
		if err != nil || member {
			return member, err
		}
		owner, err := m.client.Get(ctx, fmt.Sprintf(projectOrgKeyFmt, projectID)).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if owner == id.OrganizationID {
			return true, nil
		}
		return m.client.SIsMember(ctx, fmt.Sprintf(orgMembersKeyFmt, owner), id.UserID).Result()
	})
	if err != nil {
		return fmt.Errorf("verify project access: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s cannot access project %s", ErrAccessDenied, id.UserID, projectID)
	}
	return nil
}

// cachedMembership memoizes verdicts for MembershipCacheTTL. Errors are not cached.
func (m *Manager) cachedMembership(ctx context.Context, key string, lookup func() (bool, error)) (bool, error) {
	if v, ok := m.verdicts.Get(ctx, key); ok {
		if allowed, ok := v.(bool); ok {
			return allowed, nil
		}
	}
	allowed, err := lookup()
	if err != nil {
		return false, err
	}
	_ = m.verdicts.Set(ctx, key, allowed, m.cfg.MembershipCacheTTL)
	return allowed, nil
}

// GrantOrganization adds a user to an organization's member set
func (m *Manager) GrantOrganization(ctx context.Context, orgID, userID string) error {
	if err := m.client.SAdd(ctx, fmt.Sprintf(orgMembersKeyFmt, orgID), userID).Err(); err != nil {
		return err
	}
	return m.verdicts.Delete(ctx, "org:"+orgID+":"+userID)
}

// GrantProject adds a user to a project's member set
func (m *Manager) GrantProject(ctx context.Context, projectID, userID string) error {
	if err := m.client.SAdd(ctx, fmt.Sprintf(projectMembersKeyFmt, projectID), userID).Err(); err != nil {
		return err
	}
	return m.verdicts.Delete(ctx, "project:"+projectID+":"+userID)
}

// SetProjectOrganization records which organization owns a project
func (m *Manager) SetProjectOrganization(ctx context.Context, projectID, orgID string) error {
	return m.client.Set(ctx, fmt.Sprintf(projectOrgKeyFmt, projectID), orgID, 0).Err()
}
