package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTSink publishes each batch as one JSON array message, for deployments
// that forward through a broker instead of writing the warehouse directly.
type MQTTSink struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func NewMQTTSink(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	s := &MQTTSink{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})
	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return nil, ctx.Err()
		default:
		}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	s.setConnected(true)
	return s, nil
}

func (s *MQTTSink) Name() string { return "mqtt:" + s.cfg.Topic }

func (s *MQTTSink) Submit(_ context.Context, rows []NormalizedRow) error {
	if len(rows) == 0 {
		return nil
	}
	if !s.isConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	token := s.client.Publish(s.cfg.Topic, 1, false, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	s.logger.Debug("published batch", "topic", s.cfg.Topic, "rows", len(rows))
	return nil
}

func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	return nil
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.client.IsConnected()
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
