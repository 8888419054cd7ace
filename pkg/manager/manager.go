// Package manager multiplexes the devices of every cloud account onto one
// broker connection per account and routes inbound traffic back to them.
//
// Public methods never return errors. Failures are logged and reported as
// false, nil or a no-op, so callers treat every call as best effort.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ecoflow-go-sdk/pkg/api"
	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/device"
	"github.com/ecoflow-go-sdk/pkg/mqtt"
	"github.com/ecoflow-go-sdk/pkg/quota"
	"github.com/ecoflow-go-sdk/pkg/simulator"
)

const (
	ClientIDPrefix = "HOMEBRIDGE_"

	machineIDAppID = "ecoflow-bridge"
	destroyTimeout = 5 * time.Second
	connectTimeout = 30 * time.Second
)

var ErrNoCertificate = errors.New("mqtt certificate is not available")

// ClientFactory builds the transport of a new connection.
type ClientFactory func(container *Container, cfg *config.DeviceConfig, cert *api.CertificateData, clientID string) mqtt.Client

type Manager struct {
	api        *api.Client
	certs      *CertificateCache
	containers map[config.ConnectionKey]*Container
	group      singleflight.Group
	newClient  ClientFactory
	machineID  func() (string, error)
	machine    string
	once       sync.Once
	mutex      sync.Mutex
	logger     zerolog.Logger
}

type Option func(*Manager)

func WithAPIClient(client *api.Client) Option {
	return func(m *Manager) { m.api = client }
}

func WithClientFactory(factory ClientFactory) Option {
	return func(m *Manager) { m.newClient = factory }
}

func WithMachineID(source func() (string, error)) Option {
	return func(m *Manager) { m.machineID = source }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		containers: make(map[config.ConnectionKey]*Container),
		newClient:  DefaultClientFactory,
		machineID: func() (string, error) {
			return machineid.ProtectedID(machineIDAppID)
		},
		logger: log.With().Str("component", "manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.api == nil {
		m.api = api.NewClient()
	}
	m.certs = NewCertificateCache(m.acquireCertificate)
	return m
}

func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// DefaultClientFactory returns the simulator for simulated devices and a
// paho client otherwise.
func DefaultClientFactory(container *Container, cfg *config.DeviceConfig, cert *api.CertificateData, clientID string) mqtt.Client {
	if cfg.Simulate {
		return simulator.NewClient(container.DeviceConfig)
	}
	return mqtt.NewPahoClient(mqtt.Options{
		Broker:   cert.BrokerURL(),
		ClientID: clientID,
		Username: cert.CertificateAccount,
		Password: cert.CertificatePassword,
	})
}

func (m *Manager) GetQuotas(ctx context.Context, quotaKeys []string, cfg *config.DeviceConfig) quota.Tree {
	if cfg.Simulate {
		snapshot := simulator.Snapshot(cfg)
		flat := make(map[string]interface{}, len(quotaKeys))
		for _, key := range quotaKeys {
			if v, ok := snapshot.Get(key); ok {
				flat[key] = v
			}
		}
		return quota.Unflatten(flat)
	}
	return m.api.GetQuotas(ctx, quotaKeys, cfg)
}

func (m *Manager) GetAllQuotas(ctx context.Context, cfg *config.DeviceConfig) quota.Tree {
	if cfg.Simulate {
		return simulator.Snapshot(cfg)
	}
	return m.api.GetAllQuotas(ctx, cfg)
}

// AcquireCertificate always asks for fresh credentials. Connections use the
// cached ones.
func (m *Manager) AcquireCertificate(ctx context.Context, cfg *config.DeviceConfig) *api.CertificateData {
	return m.acquireCertificate(ctx, cfg)
}

func (m *Manager) SubscribeOnQuotaTopic(ctx context.Context, cfg *config.DeviceConfig) bool {
	return m.subscribeOnTopic(ctx, cfg, device.TopicQuota)
}

func (m *Manager) SubscribeOnSetReplyTopic(ctx context.Context, cfg *config.DeviceConfig) bool {
	return m.subscribeOnTopic(ctx, cfg, device.TopicSetReply)
}

func (m *Manager) SubscribeOnStatusTopic(ctx context.Context, cfg *config.DeviceConfig) bool {
	return m.subscribeOnTopic(ctx, cfg, device.TopicStatus)
}

func (m *Manager) SubscribeOnQuotaMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription {
	return m.SubscribeOnMessage(cfg, device.TopicQuota, handler)
}

func (m *Manager) SubscribeOnSetReplyMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription {
	return m.SubscribeOnMessage(cfg, device.TopicSetReply, handler)
}

func (m *Manager) SubscribeOnStatusMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription {
	return m.SubscribeOnMessage(cfg, device.TopicStatus, handler)
}

// SubscribeOnMessage registers the device if needed and subscribes handler
// to one of its channels. It returns nil for unsupported topic types.
func (m *Manager) SubscribeOnMessage(cfg *config.DeviceConfig, topicType device.TopicType, handler device.Handler) *device.Subscription {
	return m.container(cfg).Register(cfg).Subscribe(topicType, handler)
}

// SendSetCommand publishes message as JSON to the device's set topic,
// connecting first when needed. The outcome of the command arrives later on
// the set_reply channel.
func (m *Manager) SendSetCommand(ctx context.Context, cfg *config.DeviceConfig, message interface{}) bool {
	logger := m.deviceLogger(cfg)

	payload, err := json.Marshal(message)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to marshal set command")
		return false
	}

	container, ok := m.connect(ctx, cfg)
	if !ok {
		return false
	}

	topic := device.Topic(container.Certificate().CertificateAccount, cfg.SerialNumber, device.TopicSet)
	if err := container.Client().Publish(ctx, topic, payload); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish set command")
		return false
	}

	logger.Debug().Str("topic", topic).RawJSON("payload", payload).Msg("Published set command")
	return true
}

// Destroy unsubscribes and disconnects every connection. The manager can be
// reused afterwards but is meant to be dropped.
func (m *Manager) Destroy() {
	m.mutex.Lock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.containers = make(map[config.ConnectionKey]*Container)
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	var g errgroup.Group
	for _, c := range containers {
		client := c.Client()
		if client == nil {
			continue
		}
		key := c.Key()
		topics := c.Topics()

		g.Go(func() error {
			defer client.Disconnect()
			if len(topics) == 0 || !client.IsConnected() {
				return nil
			}
			if err := client.Unsubscribe(ctx, topics...); err != nil {
				return fmt.Errorf("connection %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to unsubscribe on shutdown")
	}
	m.logger.Info().Int("connections", len(containers)).Msg("Destroyed MQTT connections")
}

// Lookup returns the container of key if one was created.
func (m *Manager) Lookup(key config.ConnectionKey) (*Container, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.containers[key]
	return c, ok
}

func (m *Manager) subscribeOnTopic(ctx context.Context, cfg *config.DeviceConfig, topicType device.TopicType) bool {
	logger := m.deviceLogger(cfg)
	m.container(cfg).Register(cfg)

	container, ok := m.connect(ctx, cfg)
	if !ok {
		return false
	}

	topic := device.Topic(container.Certificate().CertificateAccount, cfg.SerialNumber, string(topicType))
	if err := container.Client().Subscribe(ctx, topic, container.dispatch); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("Failed to subscribe")
		return false
	}
	container.addTopic(topic)

	logger.Info().Str("topic", topic).Msg("Subscribed to topic")
	return true
}

func (m *Manager) container(cfg *config.DeviceConfig) *Container {
	key := cfg.ConnectionKey()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	c, ok := m.containers[key]
	if !ok {
		c = newContainer(key, m.logger)
		m.containers[key] = c
	}
	return c
}

// connect makes sure cfg's connection is up. Concurrent calls for the same
// key share one attempt. The attempt is detached from the caller that
// started it, so a caller giving up early does not fail the others.
func (m *Manager) connect(ctx context.Context, cfg *config.DeviceConfig) (*Container, bool) {
	container := m.container(cfg)
	if client := container.Client(); client != nil && client.IsConnected() {
		return container, true
	}

	key := container.Key()
	attempt := m.group.DoChan(key.AccessKey+"\x00"+key.SecretKey+"\x00"+string(key.Location), func() (interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		return nil, m.establish(attemptCtx, container, cfg)
	})

	var err error
	select {
	case res := <-attempt:
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		m.deviceLogger(cfg).Warn().Err(err).Msg("Failed to connect to MQTT broker")
		return container, false
	}
	return container, true
}

func (m *Manager) establish(ctx context.Context, container *Container, cfg *config.DeviceConfig) error {
	if client := container.Client(); client != nil {
		if client.IsConnected() {
			return nil
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to reconnect: %w", err)
		}
		return nil
	}

	cert := m.certs.Get(ctx, cfg)
	if cert == nil {
		return ErrNoCertificate
	}
	container.setCertificate(cert)

	candidate := m.newClient(container, cfg, cert, m.clientID(cert.CertificateAccount))
	if err := candidate.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if stored := container.SetClient(candidate); stored != candidate {
		candidate.Disconnect()
		m.logger.Debug().Str("connection", container.Key().String()).Msg("Discarded duplicate MQTT client")
	}
	return nil
}

func (m *Manager) acquireCertificate(ctx context.Context, cfg *config.DeviceConfig) *api.CertificateData {
	if cfg.Simulate {
		return simulator.Certificate(cfg)
	}
	return m.api.AcquireCertificate(ctx, cfg)
}

// clientID is HOMEBRIDGE_ followed by the upper-cased machine id and
// certificate account.
func (m *Manager) clientID(account string) string {
	m.once.Do(func() {
		id, err := m.machineID()
		if err != nil || id == "" {
			host, _ := os.Hostname()
			id = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
			m.logger.Warn().Err(err).Msg("Machine id is unavailable, falling back to host name")
		}
		m.machine = id
	})
	return ClientIDPrefix + strings.ToUpper(m.machine+"_"+account)
}

func (m *Manager) deviceLogger(cfg *config.DeviceConfig) *zerolog.Logger {
	l := m.logger.With().Str("device", cfg.Name).Str("sn", cfg.SerialNumber).Logger()
	return &l
}
