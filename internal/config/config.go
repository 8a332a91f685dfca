// Package config loads the field node configuration from fieldnode.yaml,
// FIELDNODE_* environment variables and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Identity identifies the node and the firefighter it is attached to.
// Immutable after load; stamped on every outgoing message.
type Identity struct {
	TeamID   string `mapstructure:"team_id"`
	WearerID string `mapstructure:"wearer_id"`
	NodeID   string `mapstructure:"node_id"`
	// NodeNum is the compact identifier used on the relay radio protocol.
	NodeNum uint16 `mapstructure:"node_num"`
}

// Credential is one entry of the ordered Wi-Fi credential list the uplink
// manager cycles through.
type Credential struct {
	SSID string `mapstructure:"ssid"`
	PSK  string `mapstructure:"psk"`
}

// RelayPeer is a statically configured sibling node on the relay radio.
type RelayPeer struct {
	Addr     string `mapstructure:"addr"`
	NodeNum  uint16 `mapstructure:"node_num"`
	TeamID   string `mapstructure:"team_id"`
	WearerID string `mapstructure:"wearer_id"`
}

// Config holds all runtime configuration for the field node.
type Config struct {
	Identity Identity `mapstructure:"identity"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		// File enables a rotating local log file when non-empty.
		File string `mapstructure:"file"`
	} `mapstructure:"log"`

	MQTT struct {
		Broker    string `mapstructure:"broker"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		Namespace string `mapstructure:"namespace"`
		QoS       int    `mapstructure:"qos"`
	} `mapstructure:"mqtt"`

	Uplink struct {
		Interface     string        `mapstructure:"interface"`
		Credentials   []Credential  `mapstructure:"credentials"`
		AttemptWindow time.Duration `mapstructure:"attempt_window"`
		SessionRetry  time.Duration `mapstructure:"session_retry"`
	} `mapstructure:"uplink"`

	Relay struct {
		Port           int           `mapstructure:"port"`
		Peers          []RelayPeer   `mapstructure:"peers"`
		BeaconInterval time.Duration `mapstructure:"beacon_interval"`
		StaleWindow    time.Duration `mapstructure:"stale_window"`
		FailoverDelay  time.Duration `mapstructure:"failover_delay"`
		RecoverDelay   time.Duration `mapstructure:"recover_delay"`
	} `mapstructure:"relay"`

	Wearable struct {
		NamePrefix        string        `mapstructure:"name_prefix"`
		ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
		ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
		HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	} `mapstructure:"wearable"`

	ECG struct {
		QueueCapacity int           `mapstructure:"queue_capacity"`
		BundleBudget  int           `mapstructure:"bundle_budget"`
		SampleRateHz  int           `mapstructure:"sample_rate_hz"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		HistorySize   int           `mapstructure:"history_size"`
		MinHRVSamples int           `mapstructure:"min_hrv_samples"`
	} `mapstructure:"ecg"`

	Telemetry struct {
		BiomedicalInterval  time.Duration `mapstructure:"biomedical_interval"`
		EnvironmentInterval time.Duration `mapstructure:"environment_interval"`
		HealthInterval      time.Duration `mapstructure:"health_interval"`
		SimulateEnvironment bool          `mapstructure:"simulate_environment"`
	} `mapstructure:"telemetry"`

	Spool struct {
		Path          string        `mapstructure:"path"`
		DrainBatch    int           `mapstructure:"drain_batch"`
		DrainInterval time.Duration `mapstructure:"drain_interval"`
	} `mapstructure:"spool"`

	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Load reads config from ./fieldnode.yaml (optional) with FIELDNODE_*
// environment overrides and defaults for every tuning knob.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("identity.team_id", "Team_A")
	v.SetDefault("identity.wearer_id", "FF_A")
	v.SetDefault("identity.node_id", "node-1")
	v.SetDefault("identity.node_num", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.namespace", "ngsi")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("uplink.interface", "wlan0")
	v.SetDefault("uplink.attempt_window", "8s")
	v.SetDefault("uplink.session_retry", "5s")

	v.SetDefault("relay.port", 47900)
	v.SetDefault("relay.beacon_interval", "1s")
	v.SetDefault("relay.stale_window", "4s")
	v.SetDefault("relay.failover_delay", "6s")
	v.SetDefault("relay.recover_delay", "12s")

	v.SetDefault("wearable.name_prefix", "Polar H10")
	v.SetDefault("wearable.scan_timeout", "15s")
	v.SetDefault("wearable.reconnect_interval", "10s")
	v.SetDefault("wearable.handshake_timeout", "3s")

	// Bundle budget and queue capacity were tuned for one radio MTU in the
	// field; both stay configurable.
	v.SetDefault("ecg.queue_capacity", 64)
	v.SetDefault("ecg.bundle_budget", 480)
	v.SetDefault("ecg.sample_rate_hz", 130)
	v.SetDefault("ecg.flush_interval", "500ms")
	v.SetDefault("ecg.history_size", 120)
	v.SetDefault("ecg.min_hrv_samples", 5)

	v.SetDefault("telemetry.biomedical_interval", "1s")
	v.SetDefault("telemetry.environment_interval", "2s")
	v.SetDefault("telemetry.health_interval", "5s")
	v.SetDefault("telemetry.simulate_environment", false)

	v.SetDefault("spool.path", "fieldnode-spool.db")
	v.SetDefault("spool.drain_batch", 10)
	v.SetDefault("spool.drain_interval", "1s")

	v.SetDefault("tick_interval", "100ms")

	v.SetConfigName("fieldnode")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fieldnode")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FIELDNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Identity.NodeID == "" {
		return fmt.Errorf("identity.node_id must not be empty")
	}
	if c.ECG.QueueCapacity <= 0 {
		return fmt.Errorf("ecg.queue_capacity must be positive")
	}
	if c.ECG.BundleBudget < 16 {
		return fmt.Errorf("ecg.bundle_budget too small: %d", c.ECG.BundleBudget)
	}
	if c.Relay.FailoverDelay <= 0 || c.Relay.RecoverDelay <= 0 {
		return fmt.Errorf("relay dwell delays must be positive")
	}
	return nil
}
