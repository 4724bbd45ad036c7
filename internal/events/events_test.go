package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type fakeToken struct {
	mqtt.Token
	done chan struct{}
	err  error
}

func newFakeToken(err error, completed bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if completed {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeClient struct {
	mqtt.Client
	topic        string
	qos          byte
	payload      []byte
	token        *fakeToken
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.topic, c.qos = topic, qos
	c.payload, _ = payload.([]byte)
	return c.token
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestMQTTPublisherPublishesJSONPerEmotion(t *testing.T) {
	client := &fakeClient{token: newFakeToken(nil, true)}
	p := newMQTTPublisher(client, MQTTConfig{Topic: "faces", QoS: 1}, zap.NewNop())

	event := Detection{RequestID: "req-1", Emotion: "happy", Confidence: 0.9, Source: "webcam"}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.topic != "faces/happy" || client.qos != 1 {
		t.Fatalf("unexpected topic/qos: %s %d", client.topic, client.qos)
	}

	var got Detection
	if err := json.Unmarshal(client.payload, &got); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if got.RequestID != "req-1" || got.Emotion != "happy" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	p.Close()
	if !client.disconnected {
		t.Fatal("expected Close to disconnect")
	}
}

func TestMQTTPublisherSurfacesBrokerErrors(t *testing.T) {
	client := &fakeClient{token: newFakeToken(errors.New("not authorized"), true)}
	p := newMQTTPublisher(client, MQTTConfig{}, zap.NewNop())

	if err := p.Publish(context.Background(), Detection{Emotion: "sad"}); err == nil {
		t.Fatal("expected broker error")
	}
	if client.topic != "emotune/detections/sad" {
		t.Fatalf("expected default topic, got %s", client.topic)
	}
}

func TestMQTTPublisherHonoursContext(t *testing.T) {
	client := &fakeClient{token: newFakeToken(nil, false)}
	p := newMQTTPublisher(client, MQTTConfig{ConnectTimeout: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, Detection{Emotion: "fear"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewMQTTPublisherRequiresBroker(t *testing.T) {
	if _, err := NewMQTTPublisher(MQTTConfig{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without broker")
	}
}
