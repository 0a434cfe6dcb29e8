package uevent

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

var (
	// ErrNotConnected is returned when publishing on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")
	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL (e.g. "tcp://127.0.0.1:1883").
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// TopicPrefix is the root of every published topic. Defaults to "pdm".
	TopicPrefix string
}

// Client publishes event payloads to an MQTT broker.
type Client struct {
	client pahomqtt.Client
	cfg    MQTTConfig
}

// Connect dials the broker and announces the daemon online. The broker
// publishes a retained offline status on an unexpected disconnect.
func Connect(cfg MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: no broker configured", ErrConnectionFailed)
	}
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: invalid QoS %d", ErrConnectionFailed, cfg.QoS)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pdmd"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), statusPayload(cfg.ClientID, "offline"), 1, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Infof("connected to MQTT broker %s", cfg.Broker)
		c.Publish(StatusTopic(cfg.TopicPrefix), 1, true, statusPayload(cfg.ClientID, "online"))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})

	c := &Client{client: pahomqtt.NewClient(opts), cfg: cfg}
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

// TopicPrefix returns the configured topic root.
func (c *Client) TopicPrefix() string {
	return c.cfg.TopicPrefix
}

// Publish sends payload to topic with the configured QoS, not retained.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.client.IsConnected() {
		token := c.client.Publish(StatusTopic(c.cfg.TopicPrefix), 1, true, statusPayload(c.cfg.ClientID, "offline"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func statusPayload(clientID, status string) string {
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
		status, clientID, time.Now().UTC().Format(time.RFC3339))
}
