package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/metrics"
	"github.com/code-100-precent/LingEcho-gateway/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handlers) registerMetricsRoutes(r *gin.RouterGroup) {
	g := r.Group("/metrics")
	{
		g.GET("", h.GetTodayStats)
		g.GET("/range", h.GetRangeStats)
		g.GET("/:date", h.GetDailyStats)
	}
}

// GetTodayStats 今日统计
func (h *Handlers) GetTodayStats(c *gin.Context) {
	h.dailyStats(c, time.Now().UTC())
}

// GetDailyStats 指定日期统计，日期格式 YYYY-MM-DD
func (h *Handlers) GetDailyStats(c *gin.Context) {
	day, err := metrics.ParseDate(c.Param("date"))
	if err != nil {
		response.Fail(c, "invalid date, expected YYYY-MM-DD", nil)
		return
	}
	h.dailyStats(c, day)
}

func (h *Handlers) dailyStats(c *gin.Context, day time.Time) {
	stats, err := h.aggregator.GetStats(c.Request.Context(), day)
	if err != nil {
		h.logger.Error("load daily stats failed", zap.Error(err))
		response.FailWithStatus(c, http.StatusServiceUnavailable, "metrics unavailable", nil)
		return
	}
	response.Success(c, "success", stats)
}

// GetRangeStats 区间统计 ?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handlers) GetRangeStats(c *gin.Context) {
	from, err := metrics.ParseDate(c.Query("from"))
	if err != nil {
		response.Fail(c, "invalid from date, expected YYYY-MM-DD", nil)
		return
	}
	to, err := metrics.ParseDate(c.DefaultQuery("to", c.Query("from")))
	if err != nil {
		response.Fail(c, "invalid to date, expected YYYY-MM-DD", nil)
		return
	}

	stats, err := h.aggregator.GetRangeStats(c.Request.Context(), from, to)
	if errors.Is(err, metrics.ErrInvalidRange) {
		response.Fail(c, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.Error("load range stats failed", zap.Error(err))
		response.FailWithStatus(c, http.StatusServiceUnavailable, "metrics unavailable", nil)
		return
	}
	response.Success(c, "success", stats)
}
