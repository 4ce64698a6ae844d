package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// HealthHandler GET /health
// required 中的依赖失败返回 503，其余依赖失败只标记 degraded（如缓存不可用时服务仍可回落到数据库）
type HealthHandler struct {
	checks   map[string]HealthCheck
	required map[string]bool
	timeout  time.Duration
}

// NewHealthHandler 创建健康检查接口
func NewHealthHandler(checks map[string]HealthCheck, timeout time.Duration, required ...string) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	req := make(map[string]bool, len(required))
	for _, name := range required {
		req[name] = true
	}
	return &HealthHandler{checks: checks, required: req, timeout: timeout}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	overall := "healthy"
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			components[name] = "unhealthy: " + err.Error()
			if overall == "healthy" {
				overall = "degraded"
			}
			if h.required[name] {
				status = http.StatusServiceUnavailable
				overall = "unhealthy"
			}
			continue
		}
		components[name] = "healthy"
	}
	writeJSON(w, status, Ok(map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	}))
}
