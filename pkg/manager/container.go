package manager

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ecoflow-go-sdk/pkg/api"
	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/device"
	"github.com/ecoflow-go-sdk/pkg/mqtt"
)

type registeredDevice struct {
	config *config.DeviceConfig
	router *device.Router
}

// Container is the state of one broker session: the transport handle, the
// certificate it was opened with, the devices reachable through it and the
// topics subscribed on it.
type Container struct {
	key         config.ConnectionKey
	client      mqtt.Client
	certificate *api.CertificateData
	devices     []*registeredDevice
	topics      map[string]struct{}
	mutex       sync.RWMutex
	logger      zerolog.Logger
}

func newContainer(key config.ConnectionKey, logger zerolog.Logger) *Container {
	return &Container{
		key:    key,
		topics: make(map[string]struct{}),
		logger: logger.With().Str("connection", key.String()).Logger(),
	}
}

func (c *Container) Key() config.ConnectionKey { return c.key }

func (c *Container) Client() mqtt.Client {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.client
}

// SetClient stores client unless one is already stored, and returns the
// stored one. Callers must discard their candidate when it lost.
func (c *Container) SetClient(client mqtt.Client) mqtt.Client {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.client == nil {
		c.client = client
	}
	return c.client
}

func (c *Container) Certificate() *api.CertificateData {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.certificate
}

func (c *Container) setCertificate(cert *api.CertificateData) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.certificate == nil {
		c.certificate = cert
	}
}

// Register returns the router of cfg's (serial number, name) pair, adding
// it on first use. Devices are never removed.
func (c *Container) Register(cfg *config.DeviceConfig) *device.Router {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, d := range c.devices {
		if d.config.SerialNumber == cfg.SerialNumber && d.config.Name == cfg.Name {
			return d.router
		}
	}

	router := device.NewRouter(cfg.SerialNumber, cfg.Name)
	c.devices = append(c.devices, &registeredDevice{config: cfg, router: router})
	c.logger.Debug().Str("device", cfg.Name).Str("sn", cfg.SerialNumber).Msg("Registered device")
	return router
}

// Routers returns the routers registered for serialNumber.
func (c *Container) Routers(serialNumber string) []*device.Router {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var routers []*device.Router
	for _, d := range c.devices {
		if d.config.SerialNumber == serialNumber {
			routers = append(routers, d.router)
		}
	}
	return routers
}

// DeviceConfig finds the first registered config with serialNumber.
func (c *Container) DeviceConfig(serialNumber string) (*config.DeviceConfig, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for _, d := range c.devices {
		if d.config.SerialNumber == serialNumber {
			return d.config, true
		}
	}
	return nil, false
}

func (c *Container) addTopic(topic string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.topics[topic] = struct{}{}
}

// Topics lists the subscribed topics in sorted order.
func (c *Container) Topics() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// dispatch is the transport handler of every topic on this connection. The
// last segment is the topic type, the one before it the serial number.
func (c *Container) dispatch(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		c.logger.Warn().Str("topic", topic).Msg("Dropping message on malformed topic")
		return
	}
	topicType := device.TopicType(parts[len(parts)-1])
	serialNumber := parts[len(parts)-2]

	routers := c.Routers(serialNumber)
	if len(routers) == 0 {
		c.logger.Debug().Str("topic", topic).Msg("No device registered for message")
		return
	}

	msg := device.Message{
		Topic:        topic,
		SerialNumber: serialNumber,
		Type:         topicType,
		Payload:      payload,
		ReceivedAt:   time.Now(),
	}
	for _, router := range routers {
		router.Process(topicType, msg)
	}
}
