// Package config provides configuration management for the sofar2PVO
// application.
package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel            string `mapstructure:"log_level"`
	PollIntervalMinutes int    `mapstructure:"poll_interval_minutes"`

	// Inverter connection settings
	Inverter struct {
		Host         string   `mapstructure:"host"`
		Port         int      `mapstructure:"port"`
		Serial       uint32   `mapstructure:"serial"`
		SystemSizeKW float64  `mapstructure:"system_size_kw"`
		RegisterMap  string   `mapstructure:"register_map"`
		Ranges       []string `mapstructure:"ranges"`
	} `mapstructure:"inverter"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool              `mapstructure:"enabled"`
		APIKey             string            `mapstructure:"api_key"`
		SystemID           string            `mapstructure:"system_id"`
		UploadTemperature  bool              `mapstructure:"upload_temperature"`
		UploadVoltage      bool              `mapstructure:"upload_voltage"`
		UpdateLimitMinutes int               `mapstructure:"update_limit_minutes"`
		ExtendedParams     map[string]string `mapstructure:"extended_params"`
	} `mapstructure:"pvoutput"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:            "info",
		PollIntervalMinutes: 5,
	}

	// Default inverter settings. Host and serial have no sensible
	// defaults and must come from the config file.
	cfg.Inverter.Port = 8899
	cfg.Inverter.Ranges = []string{"GridOutput", "SystemInfo", "EnergyTodayTotals", "PVOutput"}

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UploadTemperature = true
	cfg.PVOutput.UploadVoltage = true
	cfg.PVOutput.UpdateLimitMinutes = 5

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/sofar"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Sofar Inverter"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Sofar Solar"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "K-TLX"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("SOFAR2PVO")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the settings the poller cannot run without are set.
func (c *Config) Validate() error {
	if c.Inverter.Host == "" {
		return fmt.Errorf("inverter host is not configured")
	}
	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		return fmt.Errorf("inverter port %d is not valid", c.Inverter.Port)
	}
	if c.Inverter.Serial == 0 {
		return fmt.Errorf("inverter serial number is not configured")
	}
	if c.Inverter.SystemSizeKW < 0 {
		return fmt.Errorf("system size must not be negative")
	}
	if c.PollIntervalMinutes <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		return fmt.Errorf("pvoutput enabled but api_key and/or system_id missing")
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("sofar2PVO Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Int("poll_interval_minutes", c.PollIntervalMinutes).Msg("Poll Interval")

	logger.Info().
		Str("host", c.Inverter.Host).
		Int("port", c.Inverter.Port).
		Uint32("serial", c.Inverter.Serial).
		Float64("system_size_kw", c.Inverter.SystemSizeKW).
		Strs("ranges", c.Inverter.Ranges).
		Msg("Inverter")

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Bool("upload_temperature", c.PVOutput.UploadTemperature).
			Bool("upload_voltage", c.PVOutput.UploadVoltage).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Int("extended_params", len(c.PVOutput.ExtendedParams)).
			Msg("PVOutput Configuration")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Msg("-----------------------------")
}
