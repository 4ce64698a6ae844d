package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iotflow-connectivity/common/config"
	"iotflow-connectivity/common/logger"
	"iotflow-connectivity/common/mqtt"

	"go.uber.org/zap"
)

func main() {
	var (
		baseURL  = flag.String("url", getEnv("IOTFLOW_URL", "http://localhost:8080"), "iotflow-connectivity base URL")
		apiKey   = flag.String("api-key", os.Getenv("IOTFLOW_API_KEY"), "device API key")
		deviceID = flag.Int64("device-id", 0, "device ID (required for MQTT)")
		interval = flag.Duration("interval", 5*time.Second, "send interval")
		count    = flag.Int("count", 0, "number of batches to send (0 = until interrupted)")
		useMQTT  = flag.Bool("mqtt", false, "publish over MQTT instead of HTTP")
		prefix   = flag.String("topic-prefix", "iotflow/devices/", "MQTT topic prefix")
	)
	flag.Parse()

	zl, err := logger.NewLogger(getEnv("LOG_LEVEL", "info"), "console", "iotflow-simulator")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	if *apiKey == "" {
		zl.Fatal("API key required (-api-key or IOTFLOW_API_KEY)")
	}

	var send func(TelemetryRequest) error
	if *useMQTT {
		if *deviceID <= 0 {
			zl.Fatal("-device-id required for MQTT")
		}
		mqttCfg := config.MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: fmt.Sprintf("iotflow-simulator-%d", *deviceID),
			QoS:      1,
		}
		mqttCfg.LoadFromEnv("MQTT")
		client, err := mqtt.NewClient(&mqttCfg, zl)
		if err != nil {
			zl.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer client.Disconnect()

		topic := fmt.Sprintf("%s%d/telemetry", *prefix, *deviceID)
		send = func(req TelemetryRequest) error {
			payload, err := MQTTPayload(req, *apiKey)
			if err != nil {
				return err
			}
			return client.Publish(topic, mqttCfg.QoS, false, payload)
		}
	} else {
		client := NewTelemetryClient(*baseURL, *apiKey, 10*time.Second, zl)
		send = func(req TelemetryRequest) error {
			_, err := client.Send(req)
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gen := NewReading(time.Now().UnixNano())
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		if err := send(gen.Next(time.Now())); err != nil {
			zl.Warn("Failed to send telemetry", zap.Error(err))
		} else {
			sent++
			zl.Info("Telemetry sent", zap.Int("sent", sent))
		}
		if *count > 0 && sent >= *count {
			return
		}

		select {
		case <-ctx.Done():
			zl.Info("Simulator stopped", zap.Int("sent", sent))
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
