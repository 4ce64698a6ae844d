package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"iotflow-connectivity/internal/models"

	"go.uber.org/zap"
)

const (
	headerAPIKey        = "X-API-Key"
	headerAuthorization = "Authorization"
	adminScheme         = "admin "
)

// Authenticator 设备凭证校验（service.CredentialService 实现）
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.Device, error)
}

// Authorizer 设备 API Key 与管理令牌校验
type Authorizer struct {
	credentials Authenticator
	adminToken  string
	logger      *zap.Logger
}

// NewAuthorizer 创建请求鉴权器；adminToken 为空时管理接口全部拒绝
func NewAuthorizer(credentials Authenticator, adminToken string, logger *zap.Logger) *Authorizer {
	return &Authorizer{credentials: credentials, adminToken: adminToken, logger: logger}
}

// Device 校验 X-API-Key，失败时已写响应
func (a *Authorizer) Device(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	key := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if key == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("API key required"))
		return nil, false
	}

	device, err := a.credentials.Authenticate(r.Context(), key)
	if err != nil {
		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			a.logger.Warn("Device authentication failed",
				zap.String("path", r.URL.Path),
				zap.String("reason", string(authErr.Reason)),
				zap.Int64("device_id", authErr.DeviceID),
			)
		} else {
			a.logger.Error("Device authentication error", zap.Error(err))
		}
		writeError(w, err)
		return nil, false
	}
	return device, true
}

// Admin 校验 Authorization: admin <token>，失败时已写响应
func (a *Authorizer) Admin(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get(headerAuthorization)
	if !strings.HasPrefix(header, adminScheme) {
		writeJSON(w, http.StatusUnauthorized, Fail("admin token required"))
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, adminScheme))
	if a.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
		writeJSON(w, http.StatusForbidden, Fail("invalid admin token"))
		return false
	}
	return true
}

// DeviceOrAdmin 管理令牌或目标设备自身的 API Key 均可访问
// 管理员访问时返回的设备为 nil
func (a *Authorizer) DeviceOrAdmin(w http.ResponseWriter, r *http.Request, deviceID int64) (*models.Device, bool) {
	if strings.HasPrefix(r.Header.Get(headerAuthorization), adminScheme) {
		return nil, a.Admin(w, r)
	}

	device, ok := a.Device(w, r)
	if !ok {
		return nil, false
	}
	if device.ID != deviceID {
		a.logger.Warn("Device accessed another device's data",
			zap.Int64("device_id", device.ID),
			zap.Int64("target_device_id", deviceID),
		)
		writeError(w, errForbidden)
		return nil, false
	}
	return device, true
}
