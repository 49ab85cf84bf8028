package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck liveness probe: dependency pings plus local session and process state
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy := true
	checks := gin.H{}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			healthy = false
			checks["redis"] = err.Error()
			h.logger.Warn("health check: redis ping failed", zap.Error(err))
		} else {
			checks["redis"] = "ok"
		}
	}
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			healthy = false
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	uptime := h.gateway.Uptime()
	c.JSON(code, gin.H{
		"status":         status,
		"uptime":         uptime.Round(time.Second).String(),
		"uptimeSeconds":  int64(uptime.Seconds()),
		"activeSessions": h.sessions.ActiveCount(),
		"quality":        h.gateway.QualitySummary(),
		"checks":         checks,
		"process":        processStats(ctx),
		"timestamp":      time.Now().UnixMilli(),
	})
}

// processStats 进程资源占用，采集失败的项省略
func processStats(ctx context.Context) gin.H {
	out := gin.H{"goroutines": runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			out["rssBytes"] = info.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			out["cpuPercent"] = cpu
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["hostMemoryUsedPercent"] = vm.UsedPercent
	}
	return out
}
