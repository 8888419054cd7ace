package accessory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/device"
	"github.com/ecoflow-go-sdk/pkg/lifecycle"
	"github.com/ecoflow-go-sdk/pkg/quota"
)

// Connector is the part of the connection manager an accessory uses.
type Connector interface {
	GetAllQuotas(ctx context.Context, cfg *config.DeviceConfig) quota.Tree
	SubscribeOnQuotaTopic(ctx context.Context, cfg *config.DeviceConfig) bool
	SubscribeOnSetReplyTopic(ctx context.Context, cfg *config.DeviceConfig) bool
	SubscribeOnStatusTopic(ctx context.Context, cfg *config.DeviceConfig) bool
	SubscribeOnQuotaMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription
	SubscribeOnSetReplyMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription
	SubscribeOnStatusMessage(cfg *config.DeviceConfig, handler device.Handler) *device.Subscription
	SendSetCommand(ctx context.Context, cfg *config.DeviceConfig, message interface{}) bool
}

// Adapter turns quota data into sink updates.
type Adapter interface {
	// ApplyQuota receives a full or partial snapshot from the HTTP API.
	ApplyQuota(tree quota.Tree)
	// ProcessQuota receives one frame from the quota topic.
	ProcessQuota(msg device.Message)
}

// Base wires one device to the connection manager: channel subscriptions,
// the topic connect sequence, the quota bootstrap, set command correlation
// and the reconnect watchdog.
type Base struct {
	cfg          *config.DeviceConfig
	conn         Connector
	adapter      Adapter
	reachability ReachabilitySink
	commands     *lifecycle.Commands
	watchdog     *lifecycle.Watchdog
	subs         []*device.Subscription
	subscribed   bool
	mutex        sync.Mutex
	logger       zerolog.Logger
}

func NewBase(cfg *config.DeviceConfig, conn Connector, adapter Adapter, reachability ReachabilitySink) *Base {
	b := &Base{
		cfg:          cfg,
		conn:         conn,
		adapter:      adapter,
		reachability: reachability,
		commands:     lifecycle.NewCommands(cfg, conn),
		logger: log.With().
			Str("component", "accessory").
			Str("device", cfg.Name).
			Str("sn", cfg.SerialNumber).
			Logger(),
	}
	b.watchdog = lifecycle.NewWatchdog(cfg.ReconnectMqttTimeout(), b.reconnect)
	return b
}

func (b *Base) SetLogger(logger zerolog.Logger) {
	b.logger = logger
}

// Initialize subscribes to the device channels, runs the connect sequence,
// loads the initial quotas and starts the watchdog.
func (b *Base) Initialize(ctx context.Context) {
	b.mutex.Lock()
	b.subs = append(b.subs,
		b.conn.SubscribeOnQuotaMessage(b.cfg, b.adapter.ProcessQuota),
		b.conn.SubscribeOnSetReplyMessage(b.cfg, b.commands.HandleReply),
		b.conn.SubscribeOnStatusMessage(b.cfg, b.processStatus),
	)
	b.mutex.Unlock()

	b.Connect(ctx)
	b.refreshQuotas(ctx)
	b.watchdog.Start()
}

// Connect subscribes the quota, set_reply and status topics and reports
// whether all three succeeded.
func (b *Base) Connect(ctx context.Context) bool {
	quotaOK := b.conn.SubscribeOnQuotaTopic(ctx, b.cfg)
	setReplyOK := b.conn.SubscribeOnSetReplyTopic(ctx, b.cfg)
	statusOK := b.conn.SubscribeOnStatusTopic(ctx, b.cfg)
	ok := quotaOK && setReplyOK && statusOK

	b.mutex.Lock()
	b.subscribed = ok
	b.mutex.Unlock()

	if !ok {
		b.logger.Warn().
			Bool("quota", quotaOK).
			Bool("set_reply", setReplyOK).
			Bool("status", statusOK).
			Msg("Device is not fully subscribed, will retry")
	}
	return ok
}

func (b *Base) Subscribed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.subscribed
}

func (b *Base) Commands() *lifecycle.Commands {
	return b.commands
}

// SendSetCommand implements SetCommandSender.
func (b *Base) SendSetCommand(ctx context.Context, fields map[string]interface{}, rollback func()) bool {
	return b.commands.Send(ctx, lifecycle.Command{Fields: fields}, rollback)
}

// Destroy stops the watchdog and drops the channel subscriptions. Pending
// commands are abandoned.
func (b *Base) Destroy() {
	b.watchdog.Stop()

	b.mutex.Lock()
	subs := b.subs
	b.subs = nil
	b.mutex.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (b *Base) reconnect(ctx context.Context) {
	if b.Subscribed() {
		return
	}
	b.logger.Info().Msg("Reconnecting device")
	if b.Connect(ctx) {
		b.refreshQuotas(ctx)
	}
}

func (b *Base) refreshQuotas(ctx context.Context) {
	tree := b.conn.GetAllQuotas(ctx, b.cfg)
	if tree == nil {
		b.logger.Warn().Msg("Initial quotas are not available")
		return
	}
	b.adapter.ApplyQuota(tree)
}

func (b *Base) processStatus(msg device.Message) {
	status, err := device.DecodeStatus(msg)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Dropping malformed status message")
		return
	}
	b.logger.Debug().Bool("online", status.Online()).Msg("Received status")
	if b.reachability != nil {
		b.reachability.UpdateReachability(status.Online())
	}
}
