package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker connection settings.
type Config struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      int    `yaml:"qos" json:"qos"`
}

// Publisher mirrors telemetry snapshots to an MQTT broker. Publishing is
// best-effort: a broker outage never blocks the dashboard, the paho client
// reconnects on its own.
type Publisher struct {
	client paho.Client
	topic  string
	qos    byte
}

// New creates a Publisher. Call Connect before publishing.
func New(cfg Config) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "vlink-dash"
	}
	if cfg.Topic == "" {
		cfg.Topic = "vlink/telemetry"
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			log.Printf("[mqtt] connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("[mqtt] connection lost: %v", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return &Publisher{
		client: paho.NewClient(opts),
		topic:  cfg.Topic,
		qos:    byte(cfg.QoS),
	}
}

// Connect dials the broker. With connect-retry enabled a failure here only
// means the first attempt timed out; the client keeps retrying behind the
// scenes.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Publish marshals v to JSON and publishes it on the configured topic.
// Dropped silently while the broker is unreachable.
func (p *Publisher) Publish(v interface{}) error {
	if !p.client.IsConnected() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshal payload: %w", err)
	}
	token := p.client.Publish(p.topic, p.qos, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[mqtt] publish failed: %v", err)
		}
	}()
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
