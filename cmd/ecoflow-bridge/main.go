// Command ecoflow-bridge connects configured EcoFlow devices to the cloud
// broker and prints what they report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ecoflow-go-sdk/pkg/accessory"
	"github.com/ecoflow-go-sdk/pkg/api"
	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/manager"
)

var (
	configPath string
	envFile    string
	logLevel   string
	deviceName string
	quotaKeys  []string
	waitReply  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "ecoflow-bridge",
	Short:         "Bridge EcoFlow power stations over the EcoFlow open API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect every configured device and log its updates until interrupted",
	RunE:  runBridge,
}

var quotasCmd = &cobra.Command{
	Use:   "quotas",
	Short: "Fetch the quotas of one device over HTTP and print them as JSON",
	RunE:  runQuotas,
}

var certificateCmd = &cobra.Command{
	Use:   "certificate",
	Short: "Acquire MQTT broker credentials for one device's account",
	RunE:  runCertificate,
}

var acCmd = &cobra.Command{
	Use:       "ac on|off",
	Short:     "Switch the AC output of one power station and wait for the reply",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runAC,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to ECOFLOW_* environment)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file first")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&deviceName, "device", "d", "", "Device name or serial number (defaults to the first device)")

	quotasCmd.Flags().StringSliceVarP(&quotaKeys, "keys", "k", nil, "Quota keys to fetch, e.g. pd.soc,inv.cfgAcEnabled")
	acCmd.Flags().DurationVar(&waitReply, "wait", 10*time.Second, "How long to wait for the device reply")

	rootCmd.AddCommand(runCmd, quotasCmd, certificateCmd, acCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewConfig()
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		if err := cfg.LoadFromEnv(files...); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func newManager(cfg *config.Config) *manager.Manager {
	client := api.NewClient(api.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	return manager.NewManager(manager.WithAPIClient(client))
}

func selectDevice(cfg *config.Config) (*config.DeviceConfig, error) {
	if deviceName == "" {
		return &cfg.Devices[0], nil
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Name == deviceName || d.SerialNumber == deviceName {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q is not configured", deviceName)
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := newManager(cfg)
	bases := make([]*accessory.Base, 0, len(cfg.Devices))
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		sink := newLogSink(d)
		station := accessory.NewPowerStation(sink.sinks())
		base := accessory.NewBase(d, m, station, sink)
		station.Attach(base)

		base.Initialize(ctx)
		bases = append(bases, base)
		log.Info().Str("device", d.Name).Bool("subscribed", base.Subscribed()).Msg("Device initialized")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	for _, base := range bases {
		base.Destroy()
	}
	m.Destroy()
	return nil
}

func runQuotas(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := selectDevice(cfg)
	if err != nil {
		return err
	}

	m := newManager(cfg)
	var tree map[string]interface{}
	if len(quotaKeys) > 0 {
		tree = m.GetQuotas(cmd.Context(), quotaKeys, d)
	} else {
		tree = m.GetAllQuotas(cmd.Context(), d)
	}
	if tree == nil {
		return errors.New("no quotas returned, see log for details")
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}

func runCertificate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := selectDevice(cfg)
	if err != nil {
		return err
	}

	cert := newManager(cfg).AcquireCertificate(cmd.Context(), d)
	if cert == nil {
		return errors.New("no certificate returned, see log for details")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Broker:  %s\n", cert.BrokerURL())
	fmt.Fprintf(out, "Account: %s\n", cert.CertificateAccount)
	return nil
}

func runAC(cmd *cobra.Command, args []string) error {
	var on bool
	switch args[0] {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := selectDevice(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), waitReply)
	defer cancel()

	m := newManager(cfg)
	defer m.Destroy()

	sink := newLogSink(d)
	station := accessory.NewPowerStation(accessory.Sinks{Outlet: sink})
	base := accessory.NewBase(d, m, station, nil)
	station.Attach(base)
	defer base.Destroy()

	if !m.SubscribeOnSetReplyTopic(ctx, d) {
		return errors.New("failed to subscribe to set replies")
	}
	m.SubscribeOnSetReplyMessage(d, base.Commands().HandleReply)

	if !station.SetACOutput(ctx, on) {
		return errors.New("command was not published")
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for base.Commands().Pending() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no reply from device: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	if sink.outletState() != on {
		return errors.New("device rejected the command")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "AC output of %s is %s\n", d.Name, args[0])
	return nil
}
