package lifecycle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/device"
)

// Sender publishes a set command for one device. It reports whether the
// publish reached the broker.
type Sender interface {
	SendSetCommand(ctx context.Context, device *config.DeviceConfig, message interface{}) bool
}

type pendingCommand struct {
	command  Command
	rollback func()
}

// Commands tracks the set commands of one device until their reply arrives.
// Entries without a reply are kept for the life of the Commands value.
type Commands struct {
	device  *config.DeviceConfig
	sender  Sender
	pending map[int64]*pendingCommand
	mutex   sync.Mutex
	nextID  func() int64
	logger  zerolog.Logger
}

func NewCommands(device *config.DeviceConfig, sender Sender) *Commands {
	return &Commands{
		device:  device,
		sender:  sender,
		pending: make(map[int64]*pendingCommand),
		nextID:  randomID,
		logger: log.With().
			Str("component", "lifecycle").
			Str("device", device.Name).
			Str("sn", device.SerialNumber).
			Logger(),
	}
}

func (c *Commands) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// SetIDSource replaces the random id generator.
func (c *Commands) SetIDSource(next func() int64) {
	c.nextID = next
}

// Send stamps cmd with a fresh id and the protocol version, remembers the
// rollback and publishes. A command that could not be published is
// forgotten; the caller decides what to do with its optimistic state.
func (c *Commands) Send(ctx context.Context, cmd Command, rollback func()) bool {
	cmd.Version = ProtocolVersion

	c.mutex.Lock()
	cmd.ID = c.nextID()
	for {
		if _, exists := c.pending[cmd.ID]; !exists {
			break
		}
		cmd.ID = c.nextID()
	}
	c.pending[cmd.ID] = &pendingCommand{command: cmd, rollback: rollback}
	c.mutex.Unlock()

	if !c.sender.SendSetCommand(ctx, c.device, cmd) {
		c.mutex.Lock()
		delete(c.pending, cmd.ID)
		c.mutex.Unlock()
		c.logger.Warn().Int64("id", cmd.ID).Msg("Set command was not published")
		return false
	}

	c.logger.Debug().Int64("id", cmd.ID).Msg("Set command sent")
	return true
}

// HandleReply resolves the pending command matching the reply id. The entry
// is removed whatever the outcome; rollback runs only for failed replies.
func (c *Commands) HandleReply(msg device.Message) {
	reply, err := DecodeReply(msg.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed set reply")
		return
	}

	id, ok := reply.CommandID()
	if !ok {
		c.logger.Debug().Str("id", reply.ID.String()).Msg("Set reply without numeric id is ignored")
		return
	}

	c.mutex.Lock()
	pending, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.mutex.Unlock()

	if !exists {
		c.logger.Debug().Int64("id", id).Msg("Received reply for unknown set command")
		return
	}

	if !reply.Failed() {
		c.logger.Debug().Int64("id", id).Interface("data", reply.Data).Msg("Set command succeeded")
		return
	}

	c.logger.Warn().Int64("id", id).Interface("data", reply.Data).Msg("Set command failed, rolling back")
	if pending.rollback != nil {
		pending.rollback()
	}
}

// Pending reports the number of commands still waiting for a reply.
func (c *Commands) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}
