package main

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecoflow-go-sdk/pkg/accessory"
	"github.com/ecoflow-go-sdk/pkg/config"
)

// logSink receives every accessory capability and logs changes.
type logSink struct {
	logger zerolog.Logger
	mutex  sync.Mutex
	outlet bool
}

func newLogSink(d *config.DeviceConfig) *logSink {
	return &logSink{
		logger: log.With().Str("device", d.Name).Str("sn", d.SerialNumber).Logger(),
	}
}

func (s *logSink) sinks() accessory.Sinks {
	return accessory.Sinks{
		Battery:      s,
		Output:       s,
		Charge:       s,
		Outlet:       s,
		Reachability: s,
	}
}

func (s *logSink) UpdateBatteryLevel(percent float64) {
	s.logger.Info().Float64("percent", percent).Msg("Battery level")
}

func (s *logSink) UpdateOutputConsumption(watts float64) {
	s.logger.Info().Float64("watts", watts).Msg("Output consumption")
}

func (s *logSink) UpdateChargingState(charging bool) {
	s.logger.Info().Bool("charging", charging).Msg("Charging state")
}

func (s *logSink) UpdateOutletState(on bool) {
	s.mutex.Lock()
	s.outlet = on
	s.mutex.Unlock()
	s.logger.Info().Bool("on", on).Msg("AC output")
}

func (s *logSink) UpdateReachability(online bool) {
	s.logger.Info().Bool("online", online).Msg("Reachability")
}

func (s *logSink) outletState() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.outlet
}
