package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	metricsKeyPrefix = "voice:metrics:"
	dateLayout       = "2006-01-02"

	fieldSessions   = "sessions"
	fieldBytesIn    = "bytes_in"
	fieldBytesOut   = "bytes_out"
	fieldMessages   = "messages"
	fieldErrors     = "errors"
	fieldDurationMs = "duration_ms"
)

var (
	ErrInvalidRange = errors.New("invalid date range")
)

// Config 指标聚合配置
type Config struct {
	Retention    time.Duration `env:"METRICS_RETENTION"`
	LatencyCap   int           `env:"METRICS_LATENCY_CAP"`
	MaxRangeDays int           `env:"METRICS_MAX_RANGE_DAYS"`
	Concurrency  int           `env:"METRICS_RANGE_CONCURRENCY"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Retention:    30 * 24 * time.Hour,
		LatencyCap:   1000,
		MaxRangeDays: 31,
		Concurrency:  8,
	}
}

// SessionSummary is what a finished session contributes to the daily rollup
type SessionSummary struct {
	EndedAt   time.Time
	Duration  time.Duration
	BytesIn   int64
	BytesOut  int64
	Messages  int64
	Errors    int64
	Language  string
	Features  []string
	LatencyMs float64
}

// LatencyStats 延迟分位数
type LatencyStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// DailyStats 单日统计
type DailyStats struct {
	Date          string           `json:"date"`
	Sessions      int64            `json:"sessions"`
	BytesIn       int64            `json:"bytesIn"`
	BytesOut      int64            `json:"bytesOut"`
	Messages      int64            `json:"messages"`
	Errors        int64            `json:"errors"`
	DurationMs    int64            `json:"durationMs"`
	AvgDurationMs float64          `json:"avgDurationMs"`
	Languages     map[string]int64 `json:"languages"`
	Features      map[string]int64 `json:"features"`
	Latency       LatencyStats     `json:"latency"`

	samples []float64
}

// RangeStats 区间统计
type RangeStats struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	Total DailyStats   `json:"total"`
	Days  []DailyStats `json:"days"`
}

// Aggregator rolls finished sessions into per-day redis hashes
type Aggregator struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates a redis backed aggregator
func NewAggregator(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Aggregator {
	d := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.LatencyCap <= 0 {
		cfg.LatencyCap = d.LatencyCap
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = d.MaxRangeDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Aggregator{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// RecordSession atomically adds one session to its day's counters
func (a *Aggregator) RecordSession(ctx context.Context, s SessionSummary) error {
	ended := s.EndedAt
	if ended.IsZero() {
		ended = a.now()
	}
	day := ended.UTC().Format(dateLayout)
	base := dayKey(day)

	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, base, fieldSessions, 1)
		pipe.HIncrBy(ctx, base, fieldBytesIn, s.BytesIn)
		pipe.HIncrBy(ctx, base, fieldBytesOut, s.BytesOut)
		pipe.HIncrBy(ctx, base, fieldMessages, s.Messages)
		pipe.HIncrBy(ctx, base, fieldErrors, s.Errors)
		pipe.HIncrBy(ctx, base, fieldDurationMs, s.Duration.Milliseconds())
		pipe.Expire(ctx, base, a.cfg.Retention)

		if s.Language != "" {
			pipe.HIncrBy(ctx, base+":languages", s.Language, 1)
			pipe.Expire(ctx, base+":languages", a.cfg.Retention)
		}
		if len(s.Features) > 0 {
			for _, f := range s.Features {
				pipe.HIncrBy(ctx, base+":features", f, 1)
			}
			pipe.Expire(ctx, base+":features", a.cfg.Retention)
		}
		if s.LatencyMs > 0 {
			pipe.LPush(ctx, base+":latency", s.LatencyMs)
			pipe.LTrim(ctx, base+":latency", 0, int64(a.cfg.LatencyCap-1))
			pipe.Expire(ctx, base+":latency", a.cfg.Retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record session metrics: %w", err)
	}
	a.logger.Debug("session metrics recorded",
		zap.String("date", day),
		zap.Int64("messages", s.Messages),
		zap.Duration("duration", s.Duration))
	return nil
}

// GetStats returns the rollup of one day; a day with no sessions is all zeros
func (a *Aggregator) GetStats(ctx context.Context, date time.Time) (*DailyStats, error) {
	day := date.UTC().Format(dateLayout)
	base := dayKey(day)

	var (
		counters  *redis.MapStringStringCmd
		languages *redis.MapStringStringCmd
		features  *redis.MapStringStringCmd
		latency   *redis.StringSliceCmd
	)
	_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counters = pipe.HGetAll(ctx, base)
		languages = pipe.HGetAll(ctx, base+":languages")
		features = pipe.HGetAll(ctx, base+":features")
		latency = pipe.LRange(ctx, base+":latency", 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read metrics for %s: %w", day, err)
	}

	c := counters.Val()
	stats := &DailyStats{
		Date:       day,
		Sessions:   cast.ToInt64(c[fieldSessions]),
		BytesIn:    cast.ToInt64(c[fieldBytesIn]),
		BytesOut:   cast.ToInt64(c[fieldBytesOut]),
		Messages:   cast.ToInt64(c[fieldMessages]),
		Errors:     cast.ToInt64(c[fieldErrors]),
		DurationMs: cast.ToInt64(c[fieldDurationMs]),
		Languages:  toCounts(languages.Val()),
		Features:   toCounts(features.Val()),
	}
	if stats.Sessions > 0 {
		stats.AvgDurationMs = float64(stats.DurationMs) / float64(stats.Sessions)
	}

	for _, v := range latency.Val() {
		stats.samples = append(stats.samples, cast.ToFloat64(v))
	}
	stats.Latency = ComputeLatency(stats.samples)
	return stats, nil
}

// GetRangeStats reads every day in [from, to] concurrently and merges them
func (a *Aggregator) GetRangeStats(ctx context.Context, from, to time.Time) (*RangeStats, error) {
	from = truncateDay(from)
	to = truncateDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from.Format(dateLayout), to.Format(dateLayout))
	}
	days := int(to.Sub(from)/(24*time.Hour)) + 1
	if days > a.cfg.MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds %d", ErrInvalidRange, days, a.cfg.MaxRangeDays)
	}

	out := make([]*DailyStats, days)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i := 0; i < days; i++ {
		i := i
		g.Go(func() error {
			s, err := a.GetStats(gctx, from.AddDate(0, 0, i))
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &RangeStats{
		From: from.Format(dateLayout),
		To:   to.Format(dateLayout),
		Total: DailyStats{
			Languages: map[string]int64{},
			Features:  map[string]int64{},
		},
		Days: make([]DailyStats, 0, days),
	}
	var samples []float64
	for _, d := range out {
		t := &result.Total
		t.Sessions += d.Sessions
		t.BytesIn += d.BytesIn
		t.BytesOut += d.BytesOut
		t.Messages += d.Messages
		t.Errors += d.Errors
		t.DurationMs += d.DurationMs
		for k, v := range d.Languages {
			t.Languages[k] += v
		}
		for k, v := range d.Features {
			t.Features[k] += v
		}
		samples = append(samples, d.samples...)
		result.Days = append(result.Days, *d)
	}
	if result.Total.Sessions > 0 {
		result.Total.AvgDurationMs = float64(result.Total.DurationMs) / float64(result.Total.Sessions)
	}
	result.Total.Date = result.From
	result.Total.Latency = ComputeLatency(samples)
	return result, nil
}

// ComputeLatency 计算延迟分位数 (nearest rank)
func ComputeLatency(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return LatencyStats{
		Count: len(sorted),
		Mean:  sum / float64(len(sorted)),
		P50:   Percentile(sorted, 50),
		P90:   Percentile(sorted, 90),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Percentile expects sorted input
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// ParseDate 解析 YYYY-MM-DD
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func dayKey(day string) string {
	return metricsKeyPrefix + day
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func toCounts(m map[string]string) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = cast.ToInt64(v)
	}
	return out
}
