package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Location string

const (
	LocationEU Location = "EU"
	LocationUS Location = "US"
)

const (
	DefaultReconnectMqttTimeout  = 60 * time.Second
	DefaultSimulateQuotaTimeout  = 10 * time.Second
	DefaultSimulateStatusTimeout = 30 * time.Second
	DefaultHTTPTimeout           = 30 * time.Second
)

// DeviceConfig identifies one logical accessory and the cloud account it is
// reached through.
type DeviceConfig struct {
	Name                    string   `yaml:"name"`
	SerialNumber            string   `yaml:"serialNumber"`
	AccessKey               string   `yaml:"accessKey"`
	SecretKey               string   `yaml:"secretKey"`
	Location                Location `yaml:"location"`
	Model                   string   `yaml:"model,omitempty"`
	Simulate                bool     `yaml:"simulate,omitempty"`
	ReconnectMqttTimeoutMs  int      `yaml:"reconnectMqttTimeoutMs,omitempty"`
	SimulateQuotaTimeoutMs  int      `yaml:"simulateQuotaTimeoutMs,omitempty"`
	SimulateStatusTimeoutMs int      `yaml:"simulateStatusTimeoutMs,omitempty"`
}

// ConnectionKey identifies one broker session. Devices of the same cloud
// account share a key.
type ConnectionKey struct {
	AccessKey string
	SecretKey string
	Location  Location
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%s", k.AccessKey, k.Location)
}

func (d *DeviceConfig) ConnectionKey() ConnectionKey {
	return ConnectionKey{
		AccessKey: d.AccessKey,
		SecretKey: d.SecretKey,
		Location:  d.Location,
	}
}

func (d *DeviceConfig) ReconnectMqttTimeout() time.Duration {
	return millisOrDefault(d.ReconnectMqttTimeoutMs, DefaultReconnectMqttTimeout)
}

func (d *DeviceConfig) SimulateQuotaTimeout() time.Duration {
	return millisOrDefault(d.SimulateQuotaTimeoutMs, DefaultSimulateQuotaTimeout)
}

func (d *DeviceConfig) SimulateStatusTimeout() time.Duration {
	return millisOrDefault(d.SimulateStatusTimeoutMs, DefaultSimulateStatusTimeout)
}

func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalidConfig)
	}
	if d.SerialNumber == "" {
		return fmt.Errorf("%w: serial number is required for %s", ErrInvalidConfig, d.Name)
	}
	if !d.Simulate && (d.AccessKey == "" || d.SecretKey == "") {
		return fmt.Errorf("%w: access key and secret key are required for %s", ErrInvalidConfig, d.Name)
	}
	switch d.Location {
	case "", LocationEU, LocationUS:
	default:
		return fmt.Errorf("%w: unknown location %q for %s", ErrInvalidConfig, d.Location, d.Name)
	}
	if d.ReconnectMqttTimeoutMs < 0 || d.SimulateQuotaTimeoutMs < 0 || d.SimulateStatusTimeoutMs < 0 {
		return fmt.Errorf("%w: timeouts must not be negative for %s", ErrInvalidConfig, d.Name)
	}
	return nil
}

type Config struct {
	LogLevel    string         `yaml:"logLevel"`
	HTTPTimeout time.Duration  `yaml:"httpTimeout"`
	Devices     []DeviceConfig `yaml:"devices"`
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    "info",
		HTTPTimeout: DefaultHTTPTimeout,
	}
}

// LoadFile reads a YAML bridge config on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads an optional .env file and then applies ECOFLOW_*
// variables. A single device is appended when ECOFLOW_SERIAL_NUMBER is set.
func (c *Config) LoadFromEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return fmt.Errorf("failed to load env files: %w", err)
	}

	if val := os.Getenv("ECOFLOW_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("ECOFLOW_HTTP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.HTTPTimeout = d
		}
	}

	sn := os.Getenv("ECOFLOW_SERIAL_NUMBER")
	if sn == "" {
		return nil
	}

	device := DeviceConfig{
		Name:         os.Getenv("ECOFLOW_DEVICE_NAME"),
		SerialNumber: sn,
		AccessKey:    os.Getenv("ECOFLOW_ACCESS_KEY"),
		SecretKey:    os.Getenv("ECOFLOW_SECRET_KEY"),
		Location:     Location(strings.ToUpper(os.Getenv("ECOFLOW_LOCATION"))),
		Model:        os.Getenv("ECOFLOW_MODEL"),
	}
	if device.Name == "" {
		device.Name = sn
	}
	if val := os.Getenv("ECOFLOW_SIMULATE"); val != "" {
		if simulate, err := strconv.ParseBool(val); err == nil {
			device.Simulate = simulate
		}
	}
	device.ReconnectMqttTimeoutMs = envInt("ECOFLOW_RECONNECT_MQTT_TIMEOUT_MS")
	device.SimulateQuotaTimeoutMs = envInt("ECOFLOW_SIMULATE_QUOTA_TIMEOUT_MS")
	device.SimulateStatusTimeoutMs = envInt("ECOFLOW_SIMULATE_STATUS_TIMEOUT_MS")

	c.Devices = append(c.Devices, device)
	return nil
}

func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: at least one device must be configured", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.Validate(); err != nil {
			return err
		}
		id := d.SerialNumber + "/" + d.Name
		if seen[id] {
			return fmt.Errorf("%w: duplicate device %s (%s)", ErrInvalidConfig, d.Name, d.SerialNumber)
		}
		seen[id] = true
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return nil
}

func envInt(key string) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return 0
}

func millisOrDefault(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
