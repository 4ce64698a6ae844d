package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mqttcommon "iotflow-connectivity/common/mqtt"
	"iotflow-connectivity/internal/models"
	"iotflow-connectivity/internal/service"

	"go.uber.org/zap"
)

// 消息类型（主题第四段）
const (
	kindTelemetry = "telemetry"
	kindStatus    = "status"
	kindHeartbeat = "heartbeat"
)

// 结构化载荷中的保留字段，扁平载荷中其余字段都视为测量值
var reservedFields = map[string]struct{}{
	"api_key":   {},
	"timestamp": {},
	"data":      {},
	"metadata":  {},
}

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Authenticator 设备凭证校验
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.Device, error)
}

// Ingester 遥测写入
type Ingester interface {
	Ingest(ctx context.Context, device *models.Device, batch service.Batch, receivedAt time.Time) (*service.IngestResult, error)
}

// MQTTConsumer 将设备 MQTT 上报桥接到遥测写入和在线状态
type MQTTConsumer struct {
	subscriber  Subscriber
	topicPrefix string // 如 iotflow/devices/
	qos         byte
	credentials Authenticator
	writer      Ingester
	activity    service.ActivityRecorder
	timeout     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	subscriber Subscriber,
	topicPrefix string,
	qos byte,
	credentials Authenticator,
	writer Ingester,
	activity service.ActivityRecorder,
	timeout time.Duration,
	logger *zap.Logger,
) *MQTTConsumer {
	if topicPrefix == "" {
		topicPrefix = "iotflow/devices/"
	}
	if !strings.HasSuffix(topicPrefix, "/") {
		topicPrefix += "/"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTConsumer{
		subscriber:  subscriber,
		topicPrefix: topicPrefix,
		qos:         qos,
		credentials: credentials,
		writer:      writer,
		activity:    activity,
		timeout:     timeout,
		now:         time.Now,
		logger:      logger,
	}
}

// Topics 订阅的主题
func (c *MQTTConsumer) Topics() []string {
	return []string{
		c.topicPrefix + "+/telemetry",
		c.topicPrefix + "+/telemetry/#",
		c.topicPrefix + "+/status/#",
		c.topicPrefix + "+/heartbeat",
	}
}

// Start 订阅主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for _, topic := range c.Topics() {
		if err := c.subscriber.Subscribe(topic, c.qos, c.HandleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	c.logger.Info("MQTT consumer started", zap.Strings("topics", c.Topics()))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	if err := c.subscriber.Unsubscribe(c.Topics()...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

type devicePayload struct {
	apiKey    string
	timestamp *time.Time
	data      map[string]interface{}
	metadata  map[string]interface{}
}

// HandleMessage 处理一条设备消息
// 主题格式: {prefix}{device_id}/telemetry[/...]、{prefix}{device_id}/status/...、{prefix}{device_id}/heartbeat
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	receivedAt := c.now().UTC()

	deviceID, kind, err := c.parseTopic(topic)
	if err != nil {
		return err
	}

	msg, err := parsePayload(payload)
	if err != nil {
		return fmt.Errorf("invalid payload on %s: %w", topic, err)
	}
	if msg.apiKey == "" {
		return fmt.Errorf("missing api_key on %s", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	device, err := c.credentials.Authenticate(ctx, msg.apiKey)
	if err != nil {
		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			c.logger.Warn("MQTT authentication failed",
				zap.String("topic", topic),
				zap.String("reason", string(authErr.Reason)),
			)
		}
		return err
	}
	if device.ID != deviceID {
		c.logger.Warn("MQTT topic device mismatch",
			zap.String("topic", topic),
			zap.Int64("topic_device_id", deviceID),
			zap.Int64("device_id", device.ID),
		)
		return fmt.Errorf("device id %d in topic does not match credential", deviceID)
	}

	if kind != kindTelemetry {
		at := receivedAt
		if msg.timestamp != nil {
			at = *msg.timestamp
		}
		return c.activity.UpdateActivity(ctx, device.ID, at)
	}

	batch := service.Batch{Metadata: msg.metadata}
	names := make([]string, 0, len(msg.data))
	for name := range msg.data {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		batch.Entries = append(batch.Entries, service.Entry{
			Name:      name,
			Value:     msg.data[name],
			Timestamp: msg.timestamp,
		})
	}

	res, err := c.writer.Ingest(ctx, device, batch, receivedAt)
	if err != nil {
		return err
	}

	c.logger.Debug("Processed MQTT telemetry",
		zap.Int64("device_id", device.ID),
		zap.String("batch_id", res.BatchID),
		zap.Int64("stored", res.Stored),
	)
	return nil
}

func (c *MQTTConsumer) parseTopic(topic string) (int64, string, error) {
	if !strings.HasPrefix(topic, c.topicPrefix) {
		return 0, "", fmt.Errorf("invalid topic format: %s", topic)
	}
	parts := strings.Split(strings.TrimPrefix(topic, c.topicPrefix), "/")
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("invalid topic format: %s", topic)
	}

	deviceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || deviceID <= 0 {
		return 0, "", fmt.Errorf("invalid device id in topic: %s", topic)
	}

	switch parts[1] {
	case kindTelemetry, kindStatus:
		return deviceID, parts[1], nil
	case kindHeartbeat:
		if len(parts) == 2 {
			return deviceID, kindHeartbeat, nil
		}
	}
	return 0, "", fmt.Errorf("unsupported topic: %s", topic)
}

// parsePayload 支持结构化 {"api_key","timestamp","data","metadata"} 和扁平 {"api_key", "temperature": 21} 两种格式
func parsePayload(payload []byte) (*devicePayload, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	msg := &devicePayload{}
	if key, ok := raw["api_key"].(string); ok {
		msg.apiKey = strings.TrimSpace(key)
	}

	if v, ok := raw["timestamp"]; ok && v != nil {
		ts, err := parseTimestamp(v)
		if err != nil {
			return nil, err
		}
		msg.timestamp = &ts
	}

	if md, ok := raw["metadata"].(map[string]interface{}); ok {
		msg.metadata = md
	}

	if v, ok := raw["data"]; ok {
		data, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("data must be an object")
		}
		msg.data = data
		return msg, nil
	}

	msg.data = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		msg.data[k] = v
	}
	return msg, nil
}

// parseTimestamp 支持 RFC3339 字符串和 Unix 秒
func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
	case json.Number:
		if secs, err := t.Float64(); err == nil && secs > 0 {
			sec := int64(secs)
			nsec := int64((secs - float64(sec)) * 1e9)
			return time.Unix(sec, nsec).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %v", v)
}
