package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/service"

	"go.uber.org/zap"
)

// Ingester 遥测写入（service.TelemetryWriter 实现）
type Ingester interface {
	Ingest(ctx context.Context, device *models.Device, batch service.Batch, receivedAt time.Time) (*service.IngestResult, error)
}

// TelemetryQuerier 遥测查询（service.QueryEngine 实现）
type TelemetryQuerier interface {
	MaxLimit() int
	Latest(ctx context.Context, deviceID int64, measurement string) (*models.Measurement, error)
	LatestSnapshot(ctx context.Context, deviceID int64) ([]models.Measurement, error)
	Range(ctx context.Context, rq service.RangeQuery) ([]models.Measurement, error)
	Count(ctx context.Context, deviceID int64, start, end time.Time) (int64, error)
	Aggregate(ctx context.Context, aq service.AggregateQuery) ([]models.Bucket, error)
	MultiDeviceRange(ctx context.Context, mq service.MultiRangeQuery) ([]models.Series, error)
	DeleteRange(ctx context.Context, deviceID int64, start, end time.Time) (int64, error)
}

// TelemetryHandler 遥测上报与查询接口
type TelemetryHandler struct {
	auth         *Authorizer
	writer       Ingester
	query        TelemetryQuerier
	maxBodyBytes int64
	now          func() time.Time
	logger       *zap.Logger
}

// NewTelemetryHandler 创建遥测接口
func NewTelemetryHandler(auth *Authorizer, writer Ingester, query TelemetryQuerier, maxBodyBytes int64, logger *zap.Logger) *TelemetryHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &TelemetryHandler{
		auth:         auth,
		writer:       writer,
		query:        query,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
		logger:       logger,
	}
}

// ingestRequest 上报请求体
// {"data": {"temperature": 23.5}, "metadata": {...}, "timestamp": "..."}
// 或 {"measurements": [{"name": "temperature", "value": 23.5, "unit": "C", "timestamp": "..."}]}
type ingestRequest struct {
	Data         map[string]interface{} `json:"data"`
	Measurements []measurementInput     `json:"measurements"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    string                 `json:"timestamp"`
}

type measurementInput struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit"`
	Timestamp string      `json:"timestamp"`
}

func malformed(detail string) error {
	return &models.ValidationError{
		Reason: models.ValidationMalformed,
		Issues: []models.EntryIssue{{Reason: models.ValidationMalformed, Detail: detail}},
	}
}

func (req *ingestRequest) toBatch() (service.Batch, error) {
	batch := service.Batch{Metadata: req.Metadata}

	var batchTS *time.Time
	if req.Timestamp != "" {
		ts, err := parseTimestamp(req.Timestamp)
		if err != nil {
			return batch, malformed(err.Error())
		}
		batchTS = &ts
	}

	names := make([]string, 0, len(req.Data))
	for name := range req.Data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		batch.Entries = append(batch.Entries, service.Entry{Name: name, Value: req.Data[name], Timestamp: batchTS})
	}

	for _, m := range req.Measurements {
		entry := service.Entry{Name: m.Name, Value: m.Value, Unit: m.Unit, Timestamp: batchTS}
		if m.Timestamp != "" {
			ts, err := parseTimestamp(m.Timestamp)
			if err != nil {
				return batch, malformed(err.Error())
			}
			entry.Timestamp = &ts
		}
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

// Submit POST /api/v1/telemetry
func (h *TelemetryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	device, ok := h.auth.Device(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := readBodyJSON(w, r, h.maxBodyBytes, &req); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, &models.ValidationError{Reason: models.ValidationEmptyBatch})
			return
		}
		if bodyTooLarge(err) {
			writeError(w, err)
			return
		}
		writeError(w, malformed("invalid JSON body: "+err.Error()))
		return
	}

	batch, err := req.toBatch()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.writer.Ingest(r.Context(), device, batch, h.now())
	if err != nil {
		var validErr *models.ValidationError
		if errors.As(err, &validErr) {
			h.logger.Info("Rejected telemetry batch",
				zap.Int64("device_id", device.ID),
				zap.String("reason", string(validErr.Reason)),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, Ok(res))
}

// timeRange 解析 start_time / end_time（兼容 stop_time）
func (h *TelemetryHandler) timeRange(r *http.Request, defaultStart string) (time.Time, time.Time, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	startParam := q.Get("start_time")
	if startParam == "" {
		startParam = defaultStart
	}
	start, err := service.ParseTimeParam(startParam, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	endParam := q.Get("end_time")
	if endParam == "" {
		endParam = q.Get("stop_time")
	}
	end, err := service.ParseTimeParam(endParam, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// List GET /api/v1/telemetry/{id}
func (h *TelemetryHandler) List(w http.ResponseWriter, r *http.Request, deviceID int64) {
	device, ok := h.auth.DeviceOrAdmin(w, r, deviceID)
	if !ok {
		return
	}

	start, end, err := h.timeRange(r, "-1h")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	rq := service.RangeQuery{
		DeviceID:    deviceID,
		Measurement: q.Get("measurement"),
		Start:       start,
		End:         end,
		Limit:       parseInt(q.Get("limit"), 1000),
		Offset:      parseInt(q.Get("offset"), 0),
		Desc:        q.Get("order") == "desc",
	}

	rows, err := h.query.Range(r.Context(), rq)
	if err != nil {
		h.logQueryError("Range", deviceID, err)
		writeError(w, err)
		return
	}
	total, err := h.query.Count(r.Context(), deviceID, start, end)
	if err != nil {
		h.logQueryError("Count", deviceID, err)
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"device_id":  deviceID,
		"start_time": start,
		"end_time":   end,
		"data":       rows,
		"count":      len(rows),
		"total":      total,
		"offset":     rq.Offset,
	}
	if device != nil {
		resp["device_name"] = device.Name
		resp["device_type"] = device.DeviceType
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Latest GET /api/v1/telemetry/{id}/latest
func (h *TelemetryHandler) Latest(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if _, ok := h.auth.DeviceOrAdmin(w, r, deviceID); !ok {
		return
	}

	measurement := r.URL.Query().Get("measurement")
	if measurement != "" {
		latest, err := h.query.Latest(r.Context(), deviceID, measurement)
		if err != nil {
			h.logQueryError("Latest", deviceID, err)
			writeError(w, err)
			return
		}
		if latest == nil {
			writeJSON(w, http.StatusNotFound, Fail("no telemetry data found"))
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]any{
			"device_id":   deviceID,
			"latest_data": []models.Measurement{*latest},
		}))
		return
	}

	rows, err := h.query.LatestSnapshot(r.Context(), deviceID)
	if err != nil {
		h.logQueryError("LatestSnapshot", deviceID, err)
		writeError(w, err)
		return
	}
	if len(rows) == 0 {
		writeJSON(w, http.StatusNotFound, Fail("no telemetry data found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"device_id":   deviceID,
		"latest_data": rows,
	}))
}

// Aggregated GET /api/v1/telemetry/{id}/aggregated?field=temperature&aggregation=mean&window=1h&start_time=-24h
func (h *TelemetryHandler) Aggregated(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if _, ok := h.auth.DeviceOrAdmin(w, r, deviceID); !ok {
		return
	}

	q := r.URL.Query()
	start, end, err := h.timeRange(r, "-24h")
	if err != nil {
		writeError(w, err)
		return
	}

	field := q.Get("field")
	if field == "" {
		field = "temperature"
	}
	fn := q.Get("aggregation")
	if fn == "" {
		fn = "mean"
	}
	windowParam := q.Get("window")
	if windowParam == "" {
		windowParam = "1h"
	}
	window, err := service.ParseWindow(windowParam)
	if err != nil {
		writeError(w, &models.QueryError{Reason: models.QueryInvalidBucket, Message: err.Error()})
		return
	}

	buckets, err := h.query.Aggregate(r.Context(), service.AggregateQuery{
		DeviceID:    deviceID,
		Measurement: field,
		Start:       start,
		End:         end,
		BucketWidth: window,
		Fn:          models.AggregateFn(fn),
	})
	if err != nil {
		h.logQueryError("Aggregate", deviceID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"device_id":   deviceID,
		"field":       field,
		"aggregation": fn,
		"window":      windowParam,
		"start_time":  start,
		"end_time":    end,
		"data":        buckets,
	}))
}

type deleteRangeRequest struct {
	StartTime string `json:"start_time"`
	StopTime  string `json:"stop_time"`
}

// DeleteRange DELETE /api/v1/telemetry/{id}，start_time/stop_time 来自查询参数或请求体
func (h *TelemetryHandler) DeleteRange(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if !h.auth.Admin(w, r) {
		return
	}

	q := r.URL.Query()
	req := deleteRangeRequest{StartTime: q.Get("start_time"), StopTime: q.Get("stop_time")}
	if req.StartTime == "" || req.StopTime == "" {
		var body deleteRangeRequest
		if err := readBodyJSON(w, r, h.maxBodyBytes, &body); err != nil && !errors.Is(err, io.EOF) {
			if bodyTooLarge(err) {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
			return
		}
		if req.StartTime == "" {
			req.StartTime = body.StartTime
		}
		if req.StopTime == "" {
			req.StopTime = body.StopTime
		}
	}
	if req.StartTime == "" || req.StopTime == "" {
		writeJSON(w, http.StatusBadRequest, Fail("start_time and stop_time are required"))
		return
	}

	now := h.now().UTC()
	start, err := service.ParseTimeParam(req.StartTime, now)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := service.ParseTimeParam(req.StopTime, now)
	if err != nil {
		writeError(w, err)
		return
	}

	deleted, err := h.query.DeleteRange(r.Context(), deviceID, start, end)
	if err != nil {
		h.logQueryError("DeleteRange", deviceID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"device_id":  deviceID,
		"deleted":    deleted,
		"start_time": start,
		"stop_time":  end,
	}))
}

// Export GET /api/v1/telemetry/{id}/export
func (h *TelemetryHandler) Export(w http.ResponseWriter, r *http.Request, deviceID int64) {
	if _, ok := h.auth.DeviceOrAdmin(w, r, deviceID); !ok {
		return
	}

	start, end, err := h.timeRange(r, "-24h")
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.query.Range(r.Context(), service.RangeQuery{
		DeviceID:    deviceID,
		Measurement: r.URL.Query().Get("measurement"),
		Start:       start,
		End:         end,
		Limit:       h.query.MaxLimit(),
	})
	if err != nil {
		h.logQueryError("Range", deviceID, err)
		writeError(w, err)
		return
	}

	data, err := GenerateTelemetryExport(rows)
	if err != nil {
		h.logger.Error("GenerateTelemetryExport failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(fmt.Sprintf("failed to generate export: %v", err)))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=telemetry-%d.xlsx", deviceID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type multiQueryRequest struct {
	DeviceIDs      []int64  `json:"device_ids"`
	Measurements   []string `json:"measurements"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	LimitPerSeries int      `json:"limit_per_series"`
}

// Query POST /api/v1/telemetry/query 多设备查询
func (h *TelemetryHandler) Query(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Admin(w, r) {
		return
	}

	var req multiQueryRequest
	if err := readBodyJSON(w, r, h.maxBodyBytes, &req); err != nil {
		if bodyTooLarge(err) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}

	now := h.now().UTC()
	startParam := req.StartTime
	if startParam == "" {
		startParam = "-1h"
	}
	start, err := service.ParseTimeParam(startParam, now)
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := service.ParseTimeParam(req.EndTime, now)
	if err != nil {
		writeError(w, err)
		return
	}

	series, err := h.query.MultiDeviceRange(r.Context(), service.MultiRangeQuery{
		DeviceIDs:      req.DeviceIDs,
		Measurements:   req.Measurements,
		Start:          start,
		End:            end,
		LimitPerSeries: req.LimitPerSeries,
	})
	if err != nil {
		h.logQueryError("MultiDeviceRange", 0, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"start_time": start,
		"end_time":   end,
		"series":     series,
	}))
}

func (h *TelemetryHandler) logQueryError(op string, deviceID int64, err error) {
	var queryErr *models.QueryError
	if errors.As(err, &queryErr) {
		return
	}
	h.logger.Error("Telemetry query failed",
		zap.String("op", op),
		zap.Int64("device_id", deviceID),
		zap.Error(err),
	)
}
