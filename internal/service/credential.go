package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/repository"

	"go.uber.org/zap"
)

// CredentialService 设备凭证认证
type CredentialService struct {
	devices      repository.DeviceRepository
	storeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewCredentialService 创建凭证认证服务
func NewCredentialService(devices repository.DeviceRepository, storeTimeout time.Duration, logger *zap.Logger) *CredentialService {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &CredentialService{
		devices:      devices,
		storeTimeout: storeTimeout,
		now:          time.Now,
		logger:       logger,
	}
}

// Authenticate 凭证 -> 设备身份
// 失败时返回 *models.AuthError，NotFound 和 Inactive 仅在日志中区分
func (s *CredentialService) Authenticate(ctx context.Context, credential string) (*models.Device, error) {
	if credential == "" {
		return nil, &models.AuthError{Reason: models.AuthNotFound}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	device, err := s.devices.GetDeviceByAPIKey(lookupCtx, credential)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Device authentication failed",
			zap.String("reason", string(models.AuthNotFound)),
		)
		return nil, &models.AuthError{Reason: models.AuthNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}

	if !device.IsActive() {
		s.logger.Warn("Device authentication failed",
			zap.String("reason", string(models.AuthInactive)),
			zap.Int64("device_id", device.ID),
			zap.String("status", device.Status),
		)
		return nil, &models.AuthError{Reason: models.AuthInactive, DeviceID: device.ID}
	}

	// 最后认证时间仅尽力更新
	touchCtx, cancelTouch := context.WithTimeout(ctx, s.storeTimeout)
	defer cancelTouch()
	if err := s.devices.TouchAuthenticated(touchCtx, device.ID, s.now()); err != nil {
		s.logger.Warn("Failed to update last authenticated time",
			zap.Int64("device_id", device.ID),
			zap.Error(err),
		)
	}

	return device, nil
}
