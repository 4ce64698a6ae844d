package httpapi

import (
	"context"
	"net/http"
	"time"

	"iotflow-connectivity/internal/cache"
	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/service"

	"go.uber.org/zap"
)

// LivenessService 在线状态查询与管理（service.LivenessTracker 实现）
type LivenessService interface {
	GetStatus(ctx context.Context, deviceID int64) (*models.Liveness, error)
	CheckAndSync(ctx context.Context, deviceID int64) (models.LivenessStatus, error)
	ListStatuses(ctx context.Context, afterID int64, limit int) ([]service.DeviceStatus, error)
	ClearCache(ctx context.Context, deviceID int64) error
	ClearAllCache(ctx context.Context) (int, error)
	CacheStats(ctx context.Context) (*cache.CacheStats, error)
	PendingCount() int
}

// ReconcileRunner 后台对账（service.Reconciler 实现）
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (synced, failed int)
	Stats() service.ReconcileStats
}

// LivenessHandler 设备在线状态与管理接口
type LivenessHandler struct {
	auth       *Authorizer
	liveness   LivenessService
	reconciler ReconcileRunner // 可为 nil
	logger     *zap.Logger
}

// NewLivenessHandler 创建在线状态接口
func NewLivenessHandler(auth *Authorizer, liveness LivenessService, reconciler ReconcileRunner, logger *zap.Logger) *LivenessHandler {
	return &LivenessHandler{auth: auth, liveness: liveness, reconciler: reconciler, logger: logger}
}

// DeviceStatus GET /api/v1/devices/{id}/status
func (h *LivenessHandler) DeviceStatus(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if _, ok := h.auth.DeviceOrAdmin(w, r, deviceID); !ok {
		return
	}

	live, err := h.liveness.GetStatus(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("GetStatus failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(live))
}

// ListStatuses GET /api/v1/admin/devices/status?after_id=0&limit=100
func (h *LivenessHandler) ListStatuses(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Admin(w, r) {
		return
	}

	q := r.URL.Query()
	afterID := int64(parseInt(q.Get("after_id"), 0))
	limit := parseInt(q.Get("limit"), 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	statuses, err := h.liveness.ListStatuses(r.Context(), afterID, limit)
	if err != nil {
		h.logger.Error("ListStatuses failed", zap.Error(err))
		writeError(w, err)
		return
	}

	online := 0
	for _, s := range statuses {
		if s.Status == models.LivenessOnline {
			online++
		}
	}
	resp := map[string]any{
		"devices": statuses,
		"count":   len(statuses),
		"online":  online,
		"offline": len(statuses) - online,
	}
	if len(statuses) == limit {
		resp["next_after_id"] = statuses[len(statuses)-1].DeviceID
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// ClearDeviceCache DELETE /api/v1/admin/cache/devices/{id}
func (h *LivenessHandler) ClearDeviceCache(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if !h.auth.Admin(w, r) {
		return
	}

	if err := h.liveness.ClearCache(r.Context(), deviceID); err != nil {
		h.logger.Warn("ClearCache failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("cache unavailable"))
		return
	}
	h.logger.Info("Cleared device liveness cache", zap.Int64("device_id", deviceID))
	writeJSON(w, http.StatusOK, Ok(map[string]any{"device_id": deviceID, "cleared": true}))
}

// ClearAllCache DELETE /api/v1/admin/cache/device-status
func (h *LivenessHandler) ClearAllCache(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Admin(w, r) {
		return
	}

	n, err := h.liveness.ClearAllCache(r.Context())
	if err != nil {
		h.logger.Warn("ClearAllCache failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("cache unavailable"))
		return
	}
	h.logger.Info("Cleared all liveness cache", zap.Int("keys", n))
	writeJSON(w, http.StatusOK, Ok(map[string]any{"cleared_keys": n}))
}

// CacheStats GET /api/v1/admin/cache/device-status
func (h *LivenessHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Admin(w, r) {
		return
	}

	resp := map[string]any{"pending_flush": h.liveness.PendingCount()}
	stats, err := h.liveness.CacheStats(r.Context())
	if err != nil {
		resp["cache_available"] = false
	} else {
		resp["cache_available"] = true
		resp["cache"] = stats
	}
	if h.reconciler != nil {
		resp["reconciler"] = h.reconciler.Stats()
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// ForceSync POST /api/v1/admin/sync/devices/{id}
func (h *LivenessHandler) ForceSync(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if !h.auth.Admin(w, r) {
		return
	}

	status, err := h.liveness.CheckAndSync(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("CheckAndSync failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"device_id": deviceID, "status": status}))
}

// BulkSync POST /api/v1/admin/sync/bulk
func (h *LivenessHandler) BulkSync(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Admin(w, r) {
		return
	}
	if h.reconciler == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("reconciler disabled"))
		return
	}

	started := time.Now()
	synced, failed := h.reconciler.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"synced":  synced,
		"failed":  failed,
		"elapsed": time.Since(started).String(),
	}))
}
