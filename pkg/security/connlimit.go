package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	userConnKeyFmt = "voice:connections:user:%s"
	orgConnKeyFmt  = "voice:connections:org:%s"
)

// acquireScript checks every counter against its cap before incrementing
// any of them. Returns 0 on success or the 1-based index of the full key.
var acquireScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local current = tonumber(redis.call('GET', key) or '0')
  if current >= tonumber(ARGV[i]) then
    return i
  end
end
for i, key in ipairs(KEYS) do
  redis.call('INCR', key)
  redis.call('EXPIRE', key, ARGV[#ARGV])
end
return 0
`)

var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  local v = redis.call('DECR', key)
  if v <= 0 then
    redis.call('DEL', key)
  end
end
return 0
`)

// ConnectionLimitError tells which cap was hit
type ConnectionLimitError struct {
	Scope string
	Limit int
}

func (e *ConnectionLimitError) Error() string {
	return fmt.Sprintf("%s connection limit of %d reached", e.Scope, e.Limit)
}

func (e *ConnectionLimitError) Is(target error) bool {
	return target == ErrConnectionLimitExceeded
}

// ConnectionStatus current live counts against caps
type ConnectionStatus struct {
	UserCount int  `json:"userCount"`
	OrgCount  int  `json:"orgCount"`
	UserLimit int  `json:"userLimit"`
	OrgLimit  int  `json:"orgLimit"`
	Allowed   bool `json:"allowed"`
}

func (m *Manager) connKeys(userID, orgID string) ([]string, []interface{}) {
	keys := []string{fmt.Sprintf(userConnKeyFmt, userID)}
	args := []interface{}{m.cfg.MaxUserConnections}
	if orgID != "" {
		keys = append(keys, fmt.Sprintf(orgConnKeyFmt, orgID))
		args = append(args, m.cfg.MaxOrgConnections)
	}
	return keys, append(args, int(m.cfg.ConnectionTTL.Seconds()))
}

// AcquireConnection atomically reserves a slot for the user and organization
func (m *Manager) AcquireConnection(ctx context.Context, userID, orgID string) error {
	keys, args := m.connKeys(userID, orgID)
	full, err := acquireScript.Run(ctx, m.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	switch full {
	case 0:
		return nil
	case 1:
		m.Audit(ctx, AuditEvent{Type: AuditConnectionLimit, Identity: userID, Detail: "user"})
		return &ConnectionLimitError{Scope: "user", Limit: m.cfg.MaxUserConnections}
	default:
		m.Audit(ctx, AuditEvent{Type: AuditConnectionLimit, Identity: userID, Detail: "organization " + orgID})
		return &ConnectionLimitError{Scope: "organization", Limit: m.cfg.MaxOrgConnections}
	}
}

// ReleaseConnection frees a slot taken by AcquireConnection
func (m *Manager) ReleaseConnection(ctx context.Context, userID, orgID string) error {
	keys, _ := m.connKeys(userID, orgID)
	if err := releaseScript.Run(ctx, m.client, keys).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release connection: %w", err)
	}
	return nil
}

// CheckConnectionLimit compares live counters with the caps without reserving
func (m *Manager) CheckConnectionLimit(ctx context.Context, userID, orgID string) (ConnectionStatus, error) {
	keys, _ := m.connKeys(userID, orgID)
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return ConnectionStatus{}, fmt.Errorf("check connection limit: %w", err)
	}
	status := ConnectionStatus{UserLimit: m.cfg.MaxUserConnections, OrgLimit: m.cfg.MaxOrgConnections}
	status.UserCount = toInt(vals[0])
	if len(vals) > 1 {
		status.OrgCount = toInt(vals[1])
	}
	status.Allowed = status.UserCount < status.UserLimit && (orgID == "" || status.OrgCount < status.OrgLimit)
	return status, nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
