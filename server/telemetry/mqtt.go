package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/models"
	"github.com/san-kum/rider-fcw/server/risk"
)

// Topic layout under the configured prefix:
//
//	<prefix>/<session>/speed  SpeedSample JSON
//	<prefix>/<session>/imu    IMUSample JSON (lean_deg, brake_confidence optional)
//	<prefix>/<session>/nmea   raw NMEA sentence
//	<prefix>/<session>/alert  published Alert on level changes
const topicAlert = "alert"

// publisher is the part of mqtt.Client the bridge publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Alert is the payload published when a session's alert level changes.
type Alert struct {
	SessionID  string          `json:"session_id"`
	Level      string          `json:"level"`
	Previous   string          `json:"previous"`
	State      risk.State      `json:"state"`
	RiskScore  float64         `json:"risk_score"`
	ReasonBits risk.ReasonBits `json:"reason_bits"`
	Reasons    []string        `json:"reasons"`
	TTCSec     *float64        `json:"ttc_sec,omitempty"`
	DistanceM  *float64        `json:"distance_m,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Bridge feeds MQTT telemetry into a Feed and publishes alert transitions.
type Bridge struct {
	client  mqtt.Client
	pub     publisher
	feed    *Feed
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	levels map[string]string
}

func newBridge(pub publisher, feed *Feed, cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	return &Bridge{
		pub:     pub,
		feed:    feed,
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     byte(cfg.QoS),
		timeout: cfg.Timeout,
		logger:  logger,
		levels:  make(map[string]string),
	}
}

// NewBridge connects to the broker and subscribes to the telemetry topics.
func NewBridge(cfg config.MQTTConfig, feed *Feed, logger *zap.Logger) (*Bridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	var b *Bridge
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if b == nil || b.client == nil {
			return
		}
		if err := b.subscribe(); err != nil {
			logger.Error("MQTT resubscribe failed", zap.Error(err))
		}
	})

	client := mqtt.NewClient(opts)
	b = newBridge(client, feed, cfg, logger)
	b.client = client

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("MQTT connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.BrokerURL))

	if err := b.subscribe(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return b, nil
}

func (b *Bridge) subscribe() error {
	filter := b.prefix + "/+/+"
	token := b.client.Subscribe(filter, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := b.HandleMessage(msg.Topic(), msg.Payload()); err != nil {
			b.logger.Debug("Dropped telemetry message",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
		}
	})
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("MQTT subscribe to %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT subscribe to %s failed: %w", filter, err)
	}
	b.logger.Info("Subscribed to telemetry", zap.String("filter", filter))
	return nil
}

// HandleMessage routes one telemetry message by topic.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	session, kind, ok := b.splitTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected topic %q", ErrInvalidSample, topic)
	}
	if kind == topicAlert {
		return nil
	}
	return b.feed.Ingest(session, kind, payload)
}

func (b *Bridge) splitTopic(topic string) (session, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PublishDecision publishes an Alert when the session's level differs from
// the last one published. It reports whether a message was sent.
func (b *Bridge) PublishDecision(d models.FrameDecision) (bool, error) {
	b.mu.Lock()
	prev, seen := b.levels[d.SessionID]
	if seen && prev == d.Level {
		b.mu.Unlock()
		return false, nil
	}
	if !seen {
		prev = risk.LevelSafe.String()
		if d.Level == prev {
			b.levels[d.SessionID] = d.Level
			b.mu.Unlock()
			return false, nil
		}
	}
	b.levels[d.SessionID] = d.Level
	b.mu.Unlock()

	alert := Alert{
		SessionID:  d.SessionID,
		Level:      d.Level,
		Previous:   prev,
		State:      d.State,
		RiskScore:  d.RiskScore,
		ReasonBits: d.ReasonBits,
		Reasons:    d.Reasons,
		Timestamp:  d.Timestamp,
	}
	if d.Target != nil {
		alert.TTCSec = d.Target.TTCSec
		alert.DistanceM = d.Target.DistanceM
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return false, fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s", b.prefix, d.SessionID, topicAlert)
	token := b.pub.Publish(topic, b.qos, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return false, fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return false, fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return true, nil
}

// Forget drops the remembered level of a closed session.
func (b *Bridge) Forget(session string) {
	b.mu.Lock()
	delete(b.levels, session)
	b.mu.Unlock()
}

func (b *Bridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}
