package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Audit event types
const (
	AuditAuthFailure     = "auth_failure"
	AuditRateLimited     = "rate_limited"
	AuditConnectionLimit = "connection_limit"
	AuditAccessDenied    = "access_denied"
	AuditInvalidOrigin   = "invalid_origin"
	AuditSuspicious      = "suspicious_activity"
)

const (
	auditKeyFmt       = "voice:audit:%s"
	authFailureKeyFmt = "voice:auth_failures:%s"
	suspiciousKeyFmt  = "voice:suspicious:%s"
)

// AuditEvent 审计事件
type AuditEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Identity  string    `json:"identity"`
	IP        string    `json:"ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit appends to the identity's capped, expiring log. Best effort: store
// errors are logged, never returned.
func (m *Manager) Audit(ctx context.Context, ev AuditEvent) {
	if ev.Identity == "" {
		ev.Identity = "anonymous"
	}
	if ev.ID == "" {
		ev.ID, _ = gonanoid.Nanoid()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	key := fmt.Sprintf(auditKeyFmt, ev.Identity)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, m.cfg.AuditMaxEntries-1)
		pipe.Expire(ctx, key, m.cfg.AuditTTL)
		return nil
	})
	if err != nil {
		m.logger.Warn("write audit event failed", zap.String("type", ev.Type), zap.String("identity", ev.Identity), zap.Error(err))
	}
}

// AuditLog returns up to limit of the most recent events, newest first
func (m *Manager) AuditLog(ctx context.Context, identity string, limit int64) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = m.cfg.AuditMaxEntries
	}
	raw, err := m.client.LRange(ctx, fmt.Sprintf(auditKeyFmt, identity), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(raw))
	for _, r := range raw {
		var ev AuditEvent
		if json.Unmarshal([]byte(r), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RecordAuthFailure audits the failure and flags the source as suspicious
// once it reaches SuspiciousAfter failures within the audit window
func (m *Manager) RecordAuthFailure(ctx context.Context, source, reason string) {
	if source == "" {
		source = "unknown"
	}
	m.Audit(ctx, AuditEvent{Type: AuditAuthFailure, Identity: source, IP: source, Detail: reason})

	key := fmt.Sprintf(authFailureKeyFmt, source)
	n, err := m.client.Incr(ctx, key).Result()
	if err != nil {
		m.logger.Warn("count auth failure failed", zap.String("source", source), zap.Error(err))
		return
	}
	// the window starts at the first failure
	if n == 1 {
		m.client.Expire(ctx, key, m.cfg.AuditTTL)
	}
	if n == m.cfg.SuspiciousAfter {
		m.flagSuspicious(ctx, source, fmt.Sprintf("%d authentication failures", n))
	}
}

func (m *Manager) flagSuspicious(ctx context.Context, identity, reason string) {
	m.logger.Warn("suspicious activity detected", zap.String("identity", identity), zap.String("reason", reason))
	if err := m.client.Set(ctx, fmt.Sprintf(suspiciousKeyFmt, identity), reason, m.cfg.AuditTTL).Err(); err != nil {
		m.logger.Warn("flag suspicious identity failed", zap.String("identity", identity), zap.Error(err))
	}
	m.Audit(ctx, AuditEvent{Type: AuditSuspicious, Identity: identity, Detail: reason})
}

// IsSuspicious reports whether identity has been flagged within the audit window
func (m *Manager) IsSuspicious(ctx context.Context, identity string) bool {
	n, err := m.client.Exists(ctx, fmt.Sprintf(suspiciousKeyFmt, identity)).Result()
	return err == nil && n > 0
}
