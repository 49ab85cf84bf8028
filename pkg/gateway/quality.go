package gateway

import "time"

// Quality is derived from heartbeat round trips
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
	QualityLost Quality = "lost"
)

const (
	goodLatency = 150 * time.Millisecond
	fairLatency = 400 * time.Millisecond
	// heartbeats without a pong before the link counts as lost
	lostAfterMissed = 3
)

// QualityReport 连接质量
type QualityReport struct {
	Quality   Quality `json:"quality"`
	LatencyMs int64   `json:"latencyMs"`
	LastPong  int64   `json:"lastPong,omitempty"`
}

// ClassifyQuality maps the last round trip to a quality bucket. A link is
// lost when no pong arrived for lostAfterMissed heartbeat intervals.
func ClassifyQuality(latency, sinceLastPong, interval time.Duration) Quality {
	if interval > 0 && sinceLastPong > time.Duration(lostAfterMissed)*interval {
		return QualityLost
	}
	switch {
	case latency < goodLatency:
		return QualityGood
	case latency < fairLatency:
		return QualityFair
	default:
		return QualityPoor
	}
}
