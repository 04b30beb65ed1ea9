// Package mqtt provides a transport.Channel that bridges protocol
// packets over an MQTT broker. Packets are transmitted as
// base64-encoded strings on a per-device topic pair: the controller
// publishes to "{prefix}/{deviceID}/cmd" and subscribes to
// "{prefix}/{deviceID}/reply", and a bridged device does the opposite.
// This suits setups where a reader hangs off a remote site gateway
// rather than a local serial line.
package mqtt

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goToMain/osdp-go/transport"
)

// Compile-time interface check.
var _ transport.Channel = (*Channel)(nil)

// DefaultTopicPrefix is the default MQTT topic prefix.
const DefaultTopicPrefix = "osdp"

// Side selects which end of the topic pair this channel speaks for.
type Side int

const (
	// SideCP publishes commands and receives replies.
	SideCP Side = iota
	// SidePD receives commands and publishes replies.
	SidePD
)

// Config holds the configuration for an MQTT channel.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "osdp").
	TopicPrefix string
	// DeviceID names the bridged device; the channel uses the topic
	// pair "{TopicPrefix}/{DeviceID}/cmd" and "{TopicPrefix}/{DeviceID}/reply".
	DeviceID string
	// Side selects the controller or device end of the topic pair.
	Side Side
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel implements transport.Channel over MQTT.
type Channel struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	rx       []byte
	deadline time.Time
	closed   bool
}

// Open connects to the broker and subscribes to the receive topic.
func Open(cfg Config) (*Channel, error) {
	if cfg.Broker == "" {
		return nil, errors.New("broker URL is required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Channel{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
	c.cond = sync.NewCond(&c.mu)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "osdp-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnected).
		SetConnectionLostHandler(c.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	c.client = paho.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, errors.New("connection timeout")
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return c, nil
}

// ID returns the device's topic base.
func (c *Channel) ID() string {
	return c.cfg.TopicPrefix + "/" + c.cfg.DeviceID
}

func (c *Channel) publishTopic() string {
	if c.cfg.Side == SideCP {
		return c.ID() + "/cmd"
	}
	return c.ID() + "/reply"
}

func (c *Channel) subscribeTopic() string {
	if c.cfg.Side == SideCP {
		return c.ID() + "/reply"
	}
	return c.ID() + "/cmd"
}

// Read returns bytes received on the subscribe topic, blocking until
// data arrives, the deadline passes, or the channel closes.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.rx) == 0 {
		if c.closed {
			return 0, transport.ErrClosed
		}
		deadline := c.deadline
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, transport.ErrTimeout
			}
			timer := time.AfterFunc(wait, c.cond.Broadcast)
			c.cond.Wait()
			timer.Stop()
		} else {
			c.cond.Wait()
		}
	}

	n := copy(p, c.rx)
	c.rx = c.rx[n:]
	return n, nil
}

// Write publishes the bytes to the publish topic as a single message.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, transport.ErrClosed
	}
	if !c.client.IsConnected() {
		return 0, errors.New("not connected")
	}

	payload := base64.StdEncoding.EncodeToString(p)
	token := c.client.Publish(c.publishTopic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return 0, errors.New("timeout publishing to MQTT")
	}
	if err := token.Error(); err != nil {
		return 0, fmt.Errorf("publishing: %w", err)
	}
	return len(p), nil
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// Flush drops any received-but-unread bytes.
func (c *Channel) Flush() error {
	c.mu.Lock()
	c.rx = nil
	c.mu.Unlock()
	return nil
}

// Close disconnects from the broker and unblocks pending reads.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()

	if c.client != nil {
		c.client.Disconnect(1000)
	}
	return nil
}

func (c *Channel) handleMessage(_ paho.Client, message paho.Message) {
	raw, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		c.log.Debug("failed to decode base64 payload", "error", err)
		return
	}

	c.mu.Lock()
	c.rx = append(c.rx, raw...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) onConnected(_ paho.Client) {
	topic := c.subscribeTopic()
	c.client.Subscribe(topic, 0, c.handleMessage)
	c.log.Info("connected to MQTT broker", "broker", c.cfg.Broker, "topic", topic)
}

func (c *Channel) onConnectionLost(_ paho.Client, err error) {
	c.log.Error("MQTT connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
