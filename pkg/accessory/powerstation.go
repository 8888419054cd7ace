package accessory

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/device"
	"github.com/ecoflow-go-sdk/pkg/quota"
)

const (
	keyBatteryLevel = "pd.soc"
	keyOutputWatts  = "pd.wattsOutSum"
	keyInputWatts   = "pd.wattsInSum"
	keyACEnabled    = "inv.cfgAcEnabled"

	acOutModuleType = 5
)

// quotaFrame is a Delta family quota message. typeCode names the module
// ("pdStatus", "invStatus", ...). Frames without it carry dotted keys.
type quotaFrame struct {
	TypeCode string                 `json:"typeCode"`
	Params   map[string]interface{} `json:"params"`
}

// PowerStation adapts Delta family power stations: battery level, output
// and input power, and the AC output switch.
type PowerStation struct {
	sender SetCommandSender
	sinks  Sinks
	state  quota.Tree
	acOn   bool
	mutex  sync.Mutex
	logger zerolog.Logger
}

func NewPowerStation(sinks Sinks) *PowerStation {
	return &PowerStation{
		sinks:  sinks,
		state:  quota.Tree{},
		logger: log.With().Str("component", "powerstation").Logger(),
	}
}

func (p *PowerStation) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Attach sets the sender used for AC output commands.
func (p *PowerStation) Attach(sender SetCommandSender) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.sender = sender
}

func (p *PowerStation) ApplyQuota(tree quota.Tree) {
	p.update(tree)
}

func (p *PowerStation) ProcessQuota(msg device.Message) {
	var frame quotaFrame
	if err := msg.Decode(&frame); err != nil {
		p.logger.Warn().Err(err).Msg("Dropping malformed quota frame")
		return
	}
	if len(frame.Params) == 0 {
		p.logger.Debug().Str("topic", msg.Topic).Msg("Quota frame without params")
		return
	}

	if frame.TypeCode == "" {
		p.update(quota.Unflatten(frame.Params))
		return
	}
	module := strings.TrimSuffix(frame.TypeCode, "Status")
	p.update(quota.Tree{module: quota.Tree(frame.Params)})
}

// State returns a copy of the merged quota state.
func (p *PowerStation) State() quota.Tree {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return merge(quota.Tree{}, p.state)
}

// SetACOutput switches the AC output optimistically. The rollback handed to
// the sender reverts the outlet when the device rejects the command. A
// command that was never published is reverted here instead; the rollback
// is not invoked for it. The outlet is restored at most once either way.
func (p *PowerStation) SetACOutput(ctx context.Context, on bool) bool {
	p.mutex.Lock()
	sender := p.sender
	previous := p.acOn
	p.mutex.Unlock()

	if sender == nil {
		p.logger.Warn().Msg("No command sender attached")
		return false
	}

	p.setOutlet(on)
	var reverted sync.Once
	restore := func(reason string) {
		reverted.Do(func() {
			p.logger.Info().Bool("on", previous).Str("reason", reason).Msg("Reverting AC output")
			p.setOutlet(previous)
		})
	}
	rollback := func() { restore("rejected by device") }

	enabled := 0
	if on {
		enabled = 1
	}
	fields := map[string]interface{}{
		"moduleType":  acOutModuleType,
		"operateType": "acOutCfg",
		"params": map[string]interface{}{
			"enabled":     enabled,
			"xboost":      255,
			"out_voltage": uint32(0xFFFFFFFF),
			"out_freq":    255,
		},
	}
	if !sender.SendSetCommand(ctx, fields, rollback) {
		restore("not published")
		return false
	}
	return true
}

func (p *PowerStation) update(tree quota.Tree) {
	p.mutex.Lock()
	merge(p.state, tree)
	p.mutex.Unlock()

	if v, ok := tree.Float(keyBatteryLevel); ok && p.sinks.Battery != nil {
		p.sinks.Battery.UpdateBatteryLevel(v)
	}
	if v, ok := tree.Float(keyOutputWatts); ok && p.sinks.Output != nil {
		p.sinks.Output.UpdateOutputConsumption(v)
	}
	if v, ok := tree.Float(keyInputWatts); ok && p.sinks.Charge != nil {
		p.sinks.Charge.UpdateChargingState(v > 0)
	}
	if v, ok := tree.Float(keyACEnabled); ok {
		p.setOutlet(v != 0)
	}
}

func (p *PowerStation) setOutlet(on bool) {
	p.mutex.Lock()
	p.acOn = on
	p.mutex.Unlock()

	if p.sinks.Outlet != nil {
		p.sinks.Outlet.UpdateOutletState(on)
	}
}

// merge copies src into dst, descending into nested objects.
func merge(dst, src quota.Tree) quota.Tree {
	for k, v := range src {
		nested, ok := asTree(v)
		if !ok {
			dst[k] = v
			continue
		}
		existing, ok := asTree(dst[k])
		if !ok {
			existing = quota.Tree{}
		}
		dst[k] = merge(existing, nested)
	}
	return dst
}

func asTree(v interface{}) (quota.Tree, bool) {
	switch t := v.(type) {
	case quota.Tree:
		return t, true
	case map[string]interface{}:
		return quota.Tree(t), true
	}
	return nil, false
}
