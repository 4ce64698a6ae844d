package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

const (
	telemetryPrefix   = "/api/v1/telemetry"
	devicesPrefix     = "/api/v1/devices/"
	adminCachePrefix  = "/api/v1/admin/cache/devices/"
	adminSyncPrefix   = "/api/v1/admin/sync/devices/"
	adminStatusesPath = "/api/v1/admin/devices/status"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterTelemetryRoutes 遥测上报与查询
func (r *Router) RegisterTelemetryRoutes(t *TelemetryHandler) {
	r.Handle(telemetryPrefix, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		t.Submit(w, req)
	})

	// /api/v1/telemetry/query、/{id}、/{id}/latest、/{id}/aggregated、/{id}/export
	r.Handle(telemetryPrefix+"/", func(w http.ResponseWriter, req *http.Request) {
		parts := pathSegments(req.URL.Path, telemetryPrefix)
		if len(parts) == 1 && parts[0] == "query" {
			if req.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			t.Query(w, req)
			return
		}
		if len(parts) == 0 || len(parts) > 2 {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}

		deviceID, err := parseDeviceID(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}

		if len(parts) == 1 {
			switch req.Method {
			case http.MethodGet:
				t.List(w, req, deviceID)
			case http.MethodDelete:
				t.DeleteRange(w, req, deviceID)
			default:
				methodNotAllowed(w)
			}
			return
		}

		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		switch parts[1] {
		case "latest":
			t.Latest(w, req, deviceID)
		case "aggregated":
			t.Aggregated(w, req, deviceID)
		case "export":
			t.Export(w, req, deviceID)
		default:
			writeJSON(w, http.StatusNotFound, Fail("not found"))
		}
	})
}

// RegisterLivenessRoutes 设备在线状态与管理接口
func (r *Router) RegisterLivenessRoutes(l *LivenessHandler) {
	// /api/v1/devices/{id}/status
	r.Handle(devicesPrefix, func(w http.ResponseWriter, req *http.Request) {
		parts := pathSegments(req.URL.Path, devicesPrefix)
		if len(parts) != 2 || parts[1] != "status" {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		deviceID, err := parseDeviceID(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		l.DeviceStatus(w, req, deviceID)
	})

	r.Handle(adminStatusesPath, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		l.ListStatuses(w, req)
	})

	r.Handle("/api/v1/admin/cache/device-status", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			l.CacheStats(w, req)
		case http.MethodDelete:
			l.ClearAllCache(w, req)
		default:
			methodNotAllowed(w)
		}
	})

	r.Handle(adminCachePrefix, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		r.withDeviceID(w, req, adminCachePrefix, l.ClearDeviceCache)
	})

	r.Handle(adminSyncPrefix, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		r.withDeviceID(w, req, adminSyncPrefix, l.ForceSync)
	})

	r.Handle("/api/v1/admin/sync/bulk", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		l.BulkSync(w, req)
	})
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes(h *HealthHandler) {
	r.HandleHandler("/health", h)
}

func (r *Router) withDeviceID(w http.ResponseWriter, req *http.Request, prefix string, next func(http.ResponseWriter, *http.Request, int64)) {
	parts := pathSegments(req.URL.Path, prefix)
	if len(parts) != 1 {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	deviceID, err := parseDeviceID(parts[0])
	if err != nil {
		writeError(w, err)
		return
	}
	next(w, req, deviceID)
}
