package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker         string
	Port           int
	ClientID       string
	NodeID         string
	PublishTimeout time.Duration
}

var _ Uplink = &MQTT{}

// MQTT publishes reports to a broker. The session counts as joined while the
// broker connection is up; paho reconnects on its own.
type MQTT struct {
	client    mqtt.Client
	cfg       MQTTConfig
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensornode-" + cfg.NodeID
	}
	c := &MQTT{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		slog.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Topic returns the topic reports on port are published to.
func (c *MQTT) Topic(port uint8) string {
	return fmt.Sprintf("nodes/%s/uplink/%d", c.cfg.NodeID, port)
}

// Connect waits for the initial connection while respecting ctx and Close.
func (c *MQTT) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("mqtt: client stopped")
	default:
	}
	if c.IsJoined() {
		return nil
	}

	token := c.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt: connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("mqtt: client stopped")
		default:
		}
	}
}

func (c *MQTT) IsJoined() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Busy is always false, Send waits for the publish to complete.
func (c *MQTT) Busy() bool {
	return false
}

// Send publishes payload at QoS 1 when confirmed and QoS 0 otherwise.
func (c *MQTT) Send(ctx context.Context, payload []byte, port uint8, confirmed bool) error {
	if !c.IsJoined() {
		return ErrNotJoined
	}
	var qos byte
	if confirmed {
		qos = 1
	}
	topic := c.Topic(port)
	// paho keeps the slice until the message leaves its outbound queue
	token := c.client.Publish(topic, qos, false, bytes.Clone(payload))
	if !token.WaitTimeout(c.publishTimeout(ctx)) {
		return fmt.Errorf("mqtt: publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	slog.Debug("published report", "topic", topic, "qos", qos)
	return nil
}

// publishTimeout bounds the publish wait by ctx. An expired ctx gives zero,
// which only succeeds for a token that has already completed.
func (c *MQTT) publishTimeout(ctx context.Context) time.Duration {
	timeout := c.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(0, min(timeout, time.Until(deadline)))
	}
	return timeout
}

// Close is idempotent. After Close, Connect returns an error.
func (c *MQTT) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	slog.Info("mqtt disconnected")
	return nil
}

func (c *MQTT) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
