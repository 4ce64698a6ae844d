package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry 一条待写入的测量值，Value 为 JSON 解码后的原始值
type Entry struct {
	Name      string
	Value     interface{}
	Unit      string
	Timestamp *time.Time
}

// Batch 一次上报
type Batch struct {
	Entries  []Entry
	Metadata map[string]interface{}
}

// IngestResult 上报结果
type IngestResult struct {
	BatchID   string    `json:"batch_id"`
	DeviceID  int64     `json:"device_id"`
	Stored    int64     `json:"stored_count"`
	Timestamp time.Time `json:"timestamp"` // 批次有效时间戳
}

// ActivityRecorder 记录设备活跃（LivenessTracker 实现）
type ActivityRecorder interface {
	UpdateActivity(ctx context.Context, deviceID int64, at time.Time) error
}

// TelemetryEvent 写入成功后发布的事件
type TelemetryEvent struct {
	Type         string    `json:"type"`
	BatchID      string    `json:"batch_id"`
	DeviceID     int64     `json:"device_id"`
	UserID       int64     `json:"user_id,omitempty"`
	Count        int64     `json:"count"`
	Measurements []string  `json:"measurements"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventPublisher 事件发布（尽力而为）
type EventPublisher interface {
	PublishTelemetry(ctx context.Context, event TelemetryEvent) error
}

// TelemetryWriter 校验并持久化上报批次，然后刷新设备活跃时间
type TelemetryWriter struct {
	telemetry    repository.TelemetryRepository
	activity     ActivityRecorder
	events       EventPublisher // 可为 nil
	storeTimeout time.Duration
	maxBatchSize int
	logger       *zap.Logger
}

// NewTelemetryWriter 创建遥测写入服务
func NewTelemetryWriter(
	telemetry repository.TelemetryRepository,
	activity ActivityRecorder,
	events EventPublisher,
	storeTimeout time.Duration,
	maxBatchSize int,
	logger *zap.Logger,
) *TelemetryWriter {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	return &TelemetryWriter{
		telemetry:    telemetry,
		activity:     activity,
		events:       events,
		storeTimeout: storeTimeout,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}
}

// Ingest 写入一个批次
// 校验阶段整批通过或整批拒绝；持久化成功后即使活跃时间刷新失败也返回成功
func (w *TelemetryWriter) Ingest(ctx context.Context, device *models.Device, batch Batch, receivedAt time.Time) (*IngestResult, error) {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	receivedAt = receivedAt.UTC()

	records, effective, err := w.validate(device, batch, receivedAt)
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	for i := range records {
		records[i].Metadata = withBatchID(batch.Metadata, batchID)
	}

	storeCtx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	stored, err := w.telemetry.InsertBatch(storeCtx, records)
	cancel()
	if err != nil {
		w.logger.Error("Failed to persist telemetry batch",
			zap.Int64("device_id", device.ID),
			zap.String("batch_id", batchID),
			zap.Int("entries", len(records)),
			zap.Error(err),
		)
		return nil, &models.IngestError{Retryable: true, Err: err}
	}

	// 持久化先于活跃时间刷新
	if err := w.activity.UpdateActivity(ctx, device.ID, effective); err != nil {
		w.logger.Warn("Failed to update device activity",
			zap.Int64("device_id", device.ID),
			zap.Error(err),
		)
	}

	w.publish(ctx, device, batchID, stored, records, effective)

	w.logger.Debug("Telemetry batch stored",
		zap.Int64("device_id", device.ID),
		zap.String("batch_id", batchID),
		zap.Int64("stored", stored),
	)

	return &IngestResult{
		BatchID:   batchID,
		DeviceID:  device.ID,
		Stored:    stored,
		Timestamp: effective,
	}, nil
}

// validate 解析每条测量值的类型，返回记录和批次有效时间戳
func (w *TelemetryWriter) validate(device *models.Device, batch Batch, receivedAt time.Time) ([]models.Measurement, time.Time, error) {
	if len(batch.Entries) == 0 {
		return nil, time.Time{}, &models.ValidationError{Reason: models.ValidationEmptyBatch}
	}
	if len(batch.Entries) > w.maxBatchSize {
		return nil, time.Time{}, &models.ValidationError{
			Reason: models.ValidationMalformed,
			Issues: []models.EntryIssue{{
				Index:  w.maxBatchSize,
				Reason: models.ValidationMalformed,
				Detail: fmt.Sprintf("batch exceeds %d entries", w.maxBatchSize),
			}},
		}
	}

	var issues []models.EntryIssue
	records := make([]models.Measurement, 0, len(batch.Entries))
	var effective time.Time

	for i, e := range batch.Entries {
		if e.Name == "" {
			issues = append(issues, models.EntryIssue{
				Index: i, Reason: models.ValidationMalformed, Detail: "measurement name is required",
			})
			continue
		}

		value, err := models.ResolveValue(e.Value)
		if err != nil {
			reason := models.ValidationUntypedValue
			if errors.Is(err, models.ErrOutOfRange) {
				reason = models.ValidationOutOfRange
			}
			issues = append(issues, models.EntryIssue{
				Index: i, Name: e.Name, Reason: reason, Detail: err.Error(),
			})
			continue
		}

		ts := receivedAt
		if e.Timestamp != nil && !e.Timestamp.IsZero() {
			ts = e.Timestamp.UTC()
		}
		if ts.After(effective) {
			effective = ts
		}

		records = append(records, models.Measurement{
			DeviceID:  device.ID,
			UserID:    device.UserID,
			Timestamp: ts,
			Name:      e.Name,
			Value:     value,
			ValueKind: value.Kind,
			Unit:      e.Unit,
		})
	}

	if len(issues) > 0 {
		return nil, time.Time{}, &models.ValidationError{Reason: issues[0].Reason, Issues: issues}
	}
	return records, effective, nil
}

func (w *TelemetryWriter) publish(ctx context.Context, device *models.Device, batchID string, stored int64, records []models.Measurement, effective time.Time) {
	if w.events == nil {
		return
	}

	names := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		names = append(names, r.Name)
	}

	err := w.events.PublishTelemetry(ctx, TelemetryEvent{
		Type:         "telemetry.ingested",
		BatchID:      batchID,
		DeviceID:     device.ID,
		UserID:       device.UserID,
		Count:        stored,
		Measurements: names,
		Timestamp:    effective,
	})
	if err != nil {
		w.logger.Warn("Failed to publish telemetry event",
			zap.Int64("device_id", device.ID),
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
	}
}

func withBatchID(metadata map[string]interface{}, batchID string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["batch_id"] = batchID
	return out
}
