package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix     = "voice:session:"
	userSessionKeyPrefix = "voice:user_sessions:"
	maxUpdateRetries     = 5
)

// Config 会话存储配置
type Config struct {
	TTL             time.Duration `env:"SESSION_TTL"`
	MaxHistory      int           `env:"SESSION_MAX_HISTORY"`
	MaxEntities     int           `env:"SESSION_MAX_ENTITIES"`
	InactiveTimeout time.Duration `env:"SESSION_INACTIVE_TIMEOUT"`
	CleanupSpec     string        `env:"SESSION_CLEANUP_SPEC"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		TTL:             time.Hour,
		MaxHistory:      50,
		MaxEntities:     20,
		InactiveTimeout: 30 * time.Minute,
		CleanupSpec:     "@every 1m",
	}
}

// Store persists session records in redis. Every write refreshes the TTL.
// Updates use WATCH so concurrent gateway instances never lose a write.
type Store struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a redis backed store
func NewStore(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Store {
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = d.MaxHistory
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = d.MaxEntities
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Store{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Create stores a new record and registers it in the owner's session set
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return errors.New("session id is required")
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.LastActivity = now
	rec.Version = 1
	if rec.Status == "" {
		rec.Status = StatusConnected
	}
	if rec.Metrics.StartTime.IsZero() {
		rec.Metrics.StartTime = now
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, sessionKey(rec.ID), val, s.cfg.TTL)
		if rec.UserID != "" {
			pipe.SAdd(ctx, userSessionKey(rec.UserID), rec.ID)
			pipe.Expire(ctx, userSessionKey(rec.UserID), s.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created.Val() {
		return ErrAlreadyExists
	}
	return nil
}

// Get loads a record. The result is metadata only; it carries no socket.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	val, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

// Update applies fn to the stored record under optimistic locking,
// retrying when another writer wins the race
func (s *Store) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	key := sessionKey(id)
	var out *Record

	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		if err := fn(&rec); err != nil {
			return err
		}
		if rec.ID != id {
			return ErrImmutableID
		}
		rec.Version++
		rec.UpdatedAt = s.now()

		newVal, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.cfg.TTL)
			if rec.UserID != "" {
				pipe.Expire(ctx, userSessionKey(rec.UserID), s.cfg.TTL)
			}
			return nil
		})
		if err == nil {
			out = &rec
		}
		return err
	}

	if err := s.watch(ctx, key, txf); err != nil {
		return nil, err
	}
	return out, nil
}

// watch runs txf under WATCH, retrying when another writer touched key
func (s *Store) watch(ctx context.Context, key string, txf func(*redis.Tx) error) error {
	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

// Touch refreshes activity and the TTL, optionally bumping counters
func (s *Store) Touch(ctx context.Context, id string, mutate func(*Metrics)) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.LastActivity = s.now()
		if mutate != nil {
			mutate(&r.Metrics)
		}
		return nil
	})
}

// SetStatus transitions the stored record
func (s *Store) SetStatus(ctx context.Context, id string, status Status) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		return r.Transition(status)
	})
}

// End marks the record disconnected, finalizes its duration and removes it
// together with its entry in the user set. The final record is returned.
func (s *Store) End(ctx context.Context, id string) (*Record, error) {
	key := sessionKey(id)
	var out *Record

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		rec.Status = StatusDisconnected
		now := s.now()
		rec.UpdatedAt = now
		if !rec.Metrics.StartTime.IsZero() {
			rec.Metrics.Duration = now.Sub(rec.Metrics.StartTime)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if rec.UserID != "" {
				pipe.SRem(ctx, userSessionKey(rec.UserID), id)
			}
			return nil
		})
		if err == nil {
			out = &rec
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage adds to the history; the oldest entries beyond the cap are dropped
func (s *Store) AppendMessage(ctx context.Context, id string, msgs ...Message) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.Context.History = appendHistory(r.Context.History, s.cfg.MaxHistory, msgs...)
		return nil
	})
}

// SetIntent 设置当前意图
func (s *Store) SetIntent(ctx context.Context, id, intent string, confidence float64) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.Context.CurrentIntent = intent
		r.Context.Confidence = confidence
		return nil
	})
}

// AddEntities appends entities, keeping the most recent MaxEntities
func (s *Store) AddEntities(ctx context.Context, id string, entities ...Entity) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.Context.Entities = appendEntities(r.Context.Entities, s.cfg.MaxEntities, entities...)
		return nil
	})
}

// Turn is one completed exchange applied to the context in a single write
type Turn struct {
	Messages   []Message
	Intent     string
	Confidence float64
	Entities   []Entity
	Sentiment  float64
}

// RecordTurn appends the exchange, replaces the current intent and folds the
// sentiment into the running average
func (s *Store) RecordTurn(ctx context.Context, id string, turn Turn) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.Context.History = appendHistory(r.Context.History, s.cfg.MaxHistory, turn.Messages...)
		if turn.Intent != "" {
			r.Context.CurrentIntent = turn.Intent
			r.Context.Confidence = turn.Confidence
		}
		r.Context.Entities = appendEntities(r.Context.Entities, s.cfg.MaxEntities, turn.Entities...)
		r.Context.Sentiment = 0.7*r.Context.Sentiment + 0.3*turn.Sentiment
		return nil
	})
}

// ClearContext 清空会话上下文
func (s *Store) ClearContext(ctx context.Context, id string) (*Record, error) {
	return s.Update(ctx, id, func(r *Record) error {
		r.Context = ConversationContext{}
		return nil
	})
}

// AddUserSession 添加用户会话
func (s *Store) AddUserSession(ctx context.Context, userID, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, userSessionKey(userID), sessionID)
		pipe.Expire(ctx, userSessionKey(userID), s.cfg.TTL)
		return nil
	})
	return err
}

// RemoveUserSession 移除用户会话
func (s *Store) RemoveUserSession(ctx context.Context, userID, sessionID string) error {
	return s.client.SRem(ctx, userSessionKey(userID), sessionID).Err()
}

// CountUserSessions 统计用户会话数
func (s *Store) CountUserSessions(ctx context.Context, userID string) (int64, error) {
	return s.client.SCard(ctx, userSessionKey(userID)).Result()
}

// ListUserSessions 列出用户会话
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, userSessionKey(userID)).Result()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func userSessionKey(userID string) string {
	return userSessionKeyPrefix + userID
}
