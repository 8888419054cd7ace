package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("client is not connected")

type MessageHandler func(topic string, payload []byte)

// Client is the broker transport the connection manager multiplexes devices
// onto. PahoClient talks to a real broker; the simulator fakes one.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

type Options struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	QoS       byte
	TLSConfig *tls.Config
}

type PahoClient struct {
	opts       Options
	mqttClient paho.Client
	connected  bool
	mutex      sync.RWMutex
	handlers   map[string]MessageHandler
	logger     zerolog.Logger
}

func NewPahoClient(opts Options) *PahoClient {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	return &PahoClient{
		opts:     opts,
		handlers: make(map[string]MessageHandler),
		logger:   log.With().Str("component", "mqtt").Logger(),
	}
}

func (c *PahoClient) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *PahoClient) Connect(ctx context.Context) error {
	if c.opts.Broker == "" {
		return fmt.Errorf("broker address is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(c.opts.ClientID)
	opts.SetUsername(c.opts.Username)
	opts.SetPassword(c.opts.Password)
	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	if c.opts.TLSConfig != nil {
		opts.SetTLSConfig(c.opts.TLSConfig)
	}

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		// The attempt may still complete and auto-reconnect under our client
		// id. Disconnect blocks until a pending attempt has aborted.
		go client.Disconnect(0)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mutex.Lock()
	previous := c.mqttClient
	c.mqttClient = client
	c.connected = true
	c.mutex.Unlock()

	// A reconnect replaces the session; stop the old one's retry loop.
	if previous != nil {
		previous.Disconnect(0)
	}

	c.logger.Info().Str("broker", c.opts.Broker).Msg("Connected to MQTT broker")
	return nil
}

func (c *PahoClient) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil {
		c.mqttClient.Disconnect(250)
		c.connected = false
		c.logger.Info().Msg("Disconnected from MQTT broker")
	}
}

func (c *PahoClient) IsConnected() bool {
	_, ok := c.session()
	return ok
}

// session returns the current paho client when it is connected.
func (c *PahoClient) session() (paho.Client, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if !c.connected || c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return nil, false
	}
	return c.mqttClient, true
}

func (c *PahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	client, ok := c.session()
	if !ok {
		return ErrNotConnected
	}

	if err := wait(ctx, client.Publish(topic, c.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug().Str("topic", topic).Msg("Published message")
	return nil
}

func (c *PahoClient) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	client, ok := c.session()
	if !ok {
		return ErrNotConnected
	}

	c.mutex.Lock()
	c.handlers[topic] = handler
	c.mutex.Unlock()

	if err := wait(ctx, client.Subscribe(topic, c.opts.QoS, c.dispatch)); err != nil {
		c.mutex.Lock()
		delete(c.handlers, topic)
		c.mutex.Unlock()
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	c.logger.Debug().Str("topic", topic).Msg("Subscribed to topic")
	return nil
}

func (c *PahoClient) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	client, ok := c.session()
	if !ok {
		return ErrNotConnected
	}

	if err := wait(ctx, client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe from topics: %w", err)
	}

	c.mutex.Lock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	c.mutex.Unlock()

	c.logger.Debug().Strs("topics", topics).Msg("Unsubscribed from topics")
	return nil
}

func (c *PahoClient) dispatch(_ paho.Client, msg paho.Message) {
	c.mutex.RLock()
	h, exists := c.handlers[msg.Topic()]
	c.mutex.RUnlock()

	if exists {
		h(msg.Topic(), msg.Payload())
	}
}

func (c *PahoClient) defaultMessageHandler(_ paho.Client, msg paho.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("Received message without handler")
}

func (c *PahoClient) connectionLostHandler(_ paho.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	c.logger.Warn().Err(err).Msg("Connection lost")
}

// onConnectHandler runs on the first connect and after every automatic
// reconnect. A clean session drops subscriptions, so known handlers are
// restored here.
func (c *PahoClient) onConnectHandler(client paho.Client) {
	c.mutex.Lock()
	c.connected = true
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mutex.Unlock()

	for _, topic := range topics {
		token := client.Subscribe(topic, c.opts.QoS, c.dispatch)
		go func(topic string, token paho.Token) {
			if token.WaitTimeout(30*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to restore subscription")
			}
		}(topic, token)
	}
	if len(topics) > 0 {
		c.logger.Info().Int("topics", len(topics)).Msg("Restored subscriptions after reconnect")
	}
}

func (c *PahoClient) reconnectingHandler(_ paho.Client, _ *paho.ClientOptions) {
	c.logger.Info().Msg("Attempting to reconnect to MQTT broker...")
}

// wait prefers the context so an expired context fails even when the token
// has already completed.
func wait(ctx context.Context, token paho.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
