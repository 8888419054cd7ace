// Package accessory adapts device traffic to the capabilities a smart-home
// accessory exposes. Adapters compose small sink interfaces instead of
// inheriting from a per-model base.
package accessory

import "context"

type BatteryLevelSink interface {
	UpdateBatteryLevel(percent float64)
}

type OutputConsumptionSink interface {
	UpdateOutputConsumption(watts float64)
}

type ChargeStateSink interface {
	UpdateChargingState(charging bool)
}

type OutletStateSink interface {
	UpdateOutletState(on bool)
}

type ReachabilitySink interface {
	UpdateReachability(online bool)
}

// SetCommandSender sends a command body and runs rollback if the device
// rejects it.
type SetCommandSender interface {
	SendSetCommand(ctx context.Context, fields map[string]interface{}, rollback func()) bool
}

// Sinks groups the optional capability sinks of one accessory. Nil members
// are skipped.
type Sinks struct {
	Battery      BatteryLevelSink
	Output       OutputConsumptionSink
	Charge       ChargeStateSink
	Outlet       OutletStateSink
	Reachability ReachabilitySink
}
