// Package simulator is an in-memory stand-in for the EcoFlow broker. It
// fabricates quota and status frames for subscribed devices and answers set
// commands, so the whole pipeline runs without a cloud account.
package simulator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/api"
	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/device"
	"github.com/ecoflow-go-sdk/pkg/lifecycle"
	"github.com/ecoflow-go-sdk/pkg/mqtt"
	"github.com/ecoflow-go-sdk/pkg/quota"
)

// DeviceLookup resolves the config of a device served by the client. The
// model and the emit intervals are taken from it.
type DeviceLookup func(serialNumber string) (*config.DeviceConfig, bool)

// Client implements mqtt.Client without a network.
type Client struct {
	lookup    DeviceLookup
	connected bool
	handlers  map[string]mqtt.MessageHandler
	loops     map[string]context.CancelFunc
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mutex     sync.Mutex
	logger    zerolog.Logger
}

var _ mqtt.Client = (*Client)(nil)

func NewClient(lookup DeviceLookup) *Client {
	if lookup == nil {
		lookup = func(string) (*config.DeviceConfig, bool) { return nil, false }
	}
	return &Client{
		lookup:   lookup,
		handlers: make(map[string]mqtt.MessageHandler),
		loops:    make(map[string]context.CancelFunc),
		logger:   log.With().Str("component", "simulator").Logger(),
	}
}

func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *Client) Connect(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.connected {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true

	c.logger.Info().Msg("Connected to simulated broker")
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	if !c.connected {
		c.mutex.Unlock()
		return
	}
	c.cancel()
	c.connected = false
	c.handlers = make(map[string]mqtt.MessageHandler)
	c.loops = make(map[string]context.CancelFunc)
	c.mutex.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Disconnected from simulated broker")
}

func (c *Client) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

// Subscribe starts the quota or status emitter of the topic's device. A
// set_reply subscription only enables replies to published commands.
func (c *Client) Subscribe(_ context.Context, topic string, handler mqtt.MessageHandler) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.connected {
		return mqtt.ErrNotConnected
	}
	c.handlers[topic] = handler

	serialNumber, topicType, ok := parseTopic(topic)
	if !ok {
		return nil
	}
	if _, running := c.loops[topic]; running {
		return nil
	}

	cfg, _ := c.lookup(serialNumber)
	switch device.TopicType(topicType) {
	case device.TopicQuota:
		model := modelOf(cfg)
		c.startLoop(topic, quotaInterval(cfg), func() interface{} {
			return envelope(model.Quota())
		})
	case device.TopicStatus:
		c.startLoop(topic, statusInterval(cfg), func() interface{} {
			return envelope(map[string]interface{}{
				"params": map[string]interface{}{"status": 1},
			})
		})
	}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, topics ...string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, topic := range topics {
		delete(c.handlers, topic)
		if stop, running := c.loops[topic]; running {
			stop()
			delete(c.loops, topic)
		}
	}
	return nil
}

// Publish answers commands sent to a set topic when the matching set_reply
// topic is subscribed. Other publishes are dropped.
func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.connected {
		return mqtt.ErrNotConnected
	}

	serialNumber, suffix, ok := parseTopic(topic)
	if !ok || suffix != device.TopicSet {
		c.logger.Debug().Str("topic", topic).Msg("Dropping publish to non-command topic")
		return nil
	}

	replyTopic := strings.TrimSuffix(topic, device.TopicSet) + string(device.TopicSetReply)
	handler, exists := c.handlers[replyTopic]
	if !exists {
		c.logger.Debug().Str("topic", topic).Msg("No set_reply subscriber, command is not answered")
		return nil
	}

	var command map[string]interface{}
	if err := json.Unmarshal(payload, &command); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Simulated device cannot parse command")
		return nil
	}

	cfg, _ := c.lookup(serialNumber)
	reply := map[string]interface{}{
		"id":      command["id"],
		"version": lifecycle.ProtocolVersion,
		"data":    modelOf(cfg).ReplyData(command),
	}
	for _, key := range []string{"moduleType", "operateType", "cmdId", "cmdFunc"} {
		if v, ok := command[key]; ok {
			reply[key] = v
		}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(replyDelay):
			handler(replyTopic, data)
		}
	}()
	return nil
}

// startLoop must be called with the mutex held.
func (c *Client) startLoop(topic string, interval time.Duration, frame func() interface{}) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.loops[topic] = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.emit(topic, frame())
			}
		}
	}()

	c.logger.Debug().Str("topic", topic).Dur("interval", interval).Msg("Started simulated emitter")
}

func (c *Client) emit(topic string, frame interface{}) {
	c.mutex.Lock()
	handler, exists := c.handlers[topic]
	c.mutex.Unlock()
	if !exists {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to marshal simulated frame")
		return
	}
	handler(topic, data)
}

const replyDelay = 50 * time.Millisecond

// Certificate fabricates broker credentials for a simulated account. The
// account id is stable per access key.
func Certificate(cfg *config.DeviceConfig) *api.CertificateData {
	account := uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.ConnectionKey().String()))
	return &api.CertificateData{
		CertificateAccount:  "open-" + account.String(),
		CertificatePassword: uuid.NewString(),
		URL:                 "simulator.local",
		Port:                "8883",
		Protocol:            "mqtts",
	}
}

// Snapshot fabricates a get-all-quotas result for cfg's model.
func Snapshot(cfg *config.DeviceConfig) quota.Tree {
	return modelOf(cfg).Snapshot()
}

func envelope(body map[string]interface{}) map[string]interface{} {
	now := time.Now().UnixMilli()
	body["id"] = now
	body["version"] = lifecycle.ProtocolVersion
	body["timestamp"] = now
	return body
}

// parseTopic splits /open/<account>/<serial>/<suffix>.
func parseTopic(topic string) (serialNumber, suffix string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

func modelOf(cfg *config.DeviceConfig) Model {
	if cfg == nil {
		return ModelFor("")
	}
	return ModelFor(cfg.Model)
}

func quotaInterval(cfg *config.DeviceConfig) time.Duration {
	if cfg == nil {
		return config.DefaultSimulateQuotaTimeout
	}
	return cfg.SimulateQuotaTimeout()
}

func statusInterval(cfg *config.DeviceConfig) time.Duration {
	if cfg == nil {
		return config.DefaultSimulateStatusTimeout
	}
	return cfg.SimulateStatusTimeout()
}
