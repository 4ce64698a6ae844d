package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// TelemetryRequest 上报请求体
type TelemetryRequest struct {
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	APIKey    string         `json:"api_key,omitempty"` // 仅 MQTT 载荷使用
}

// IngestResponse 上报响应
type IngestResponse struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  struct {
		BatchID     string `json:"batch_id"`
		DeviceID    int64  `json:"device_id"`
		StoredCount int64  `json:"stored_count"`
	} `json:"result"`
}

// TelemetryClient 设备侧 HTTP 上报客户端
type TelemetryClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewTelemetryClient 创建上报客户端
func NewTelemetryClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *TelemetryClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-API-Key", apiKey).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 服务端持久化失败（503）可重试，校验失败不重试
			return err != nil || r.StatusCode() == 503
		})

	return &TelemetryClient{httpClient: client, logger: logger}
}

// Send 上报一个批次
func (c *TelemetryClient) Send(req TelemetryRequest) (*IngestResponse, error) {
	var result IngestResponse
	resp, err := c.httpClient.R().
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post("/api/v1/telemetry")
	if err != nil {
		return nil, fmt.Errorf("failed to send telemetry: %w", err)
	}
	if resp.StatusCode() != 201 {
		return nil, fmt.Errorf("telemetry rejected: %s (status: %d)", result.Message, resp.StatusCode())
	}

	c.logger.Debug("Telemetry sent",
		zap.String("batch_id", result.Result.BatchID),
		zap.Int64("stored_count", result.Result.StoredCount),
	)
	return &result, nil
}

// Reading 模拟读数生成器，温湿度在基准值附近随机游走
type Reading struct {
	rnd         *rand.Rand
	temperature float64
	humidity    float64
}

// NewReading 创建读数生成器
func NewReading(seed int64) *Reading {
	return &Reading{
		rnd:         rand.New(rand.NewSource(seed)),
		temperature: 22,
		humidity:    45,
	}
}

// Next 生成下一批读数
func (g *Reading) Next(at time.Time) TelemetryRequest {
	g.temperature = clamp(g.temperature+g.rnd.Float64()-0.5, -20, 50)
	g.humidity = clamp(g.humidity+2*g.rnd.Float64()-1, 0, 100)

	return TelemetryRequest{
		Data: map[string]any{
			"temperature": round1(g.temperature),
			"humidity":    round1(g.humidity),
			"door_open":   g.rnd.Intn(10) == 0,
		},
		Metadata:  map[string]any{"source": "simulator"},
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// MQTTPayload MQTT 结构化载荷，需携带 api_key
func MQTTPayload(req TelemetryRequest, apiKey string) ([]byte, error) {
	req.APIKey = apiKey
	return json.Marshal(req)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
