package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Detection is the message published for every classified face.
type Detection struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id,omitempty"`
	Emotion      string    `json:"emotion"`
	Confidence   float32   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher fans detections out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Detection) error
	Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Detection) error { return nil }
func (Noop) Close()                                   {}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker         string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes detections as JSON to Topic/<emotion>.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher connects to the broker and blocks until the connection is
// up or ConnectTimeout elapses.
func NewMQTTPublisher(cfg MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is not configured")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	clientID := "emotune-" + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("connected to mqtt", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))

	return newMQTTPublisher(client, cfg, logger), nil
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig, logger *zap.Logger) *MQTTPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "emotune/detections"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTPublisher{
		client:  client,
		topic:   topic,
		qos:     cfg.QoS,
		timeout: timeout,
		logger:  logger.Named("mqtt"),
	}
}

// Topic is where an event for emotion is published.
func (p *MQTTPublisher) Topic(emotion string) string {
	return p.topic + "/" + emotion
}

func (p *MQTTPublisher) Publish(ctx context.Context, event Detection) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode detection event: %w", err)
	}

	token := p.client.Publish(p.Topic(event.Emotion), p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish to %s timed out", p.Topic(event.Emotion))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", p.Topic(event.Emotion), err)
	}
	return nil
}

// Close disconnects, giving in-flight messages a quarter second.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
