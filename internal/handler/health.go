package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtsync/internal/model"
	"rtsync/internal/service"
)

type HealthHandler struct {
	pipeline  *service.Pipeline
	metrics   http.Handler
	startTime time.Time
}

func NewHealthHandler(pipeline *service.Pipeline, gatherer prometheus.Gatherer) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{
		pipeline:  pipeline,
		metrics:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		startTime: time.Now(),
	}
}

// Health 健康检查端点。上游断开时返回degraded，桥本身仍可用
func (h *HealthHandler) Health(c *gin.Context) {
	uptime := time.Since(h.startTime)
	state := h.pipeline.Connection().State()

	status := "healthy"
	if state.Status != model.StatusConnected {
		status = "degraded"
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"connection": state.Status,
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"memory": gin.H{
			"alloc_mb":       bToMb(m.Alloc),
			"total_alloc_mb": bToMb(m.TotalAlloc),
			"sys_mb":         bToMb(m.Sys),
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	})
}

// Metrics Prometheus指标端点
func (h *HealthHandler) Metrics(c *gin.Context) {
	h.metrics.ServeHTTP(c.Writer, c.Request)
}

// bToMb 转换字节到MB
func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
