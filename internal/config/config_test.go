package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.PollIntervalMinutes)

	assert.Equal(t, 8899, cfg.Inverter.Port)
	assert.Equal(t, []string{"GridOutput", "SystemInfo", "EnergyTodayTotals", "PVOutput"}, cfg.Inverter.Ranges)

	assert.False(t, cfg.PVOutput.Enabled)
	assert.True(t, cfg.PVOutput.UploadTemperature)
	assert.True(t, cfg.PVOutput.UploadVoltage)
	assert.Equal(t, 5, cfg.PVOutput.UpdateLimitMinutes)

	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "energy/sofar", cfg.MQTT.Topic)

	assert.Equal(t, "homeassistant", cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	assert.Equal(t, "Sofar Inverter", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName)
	assert.True(t, cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery)

	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoadFromFile(t *testing.T) {
	content := `
log_level: debug
poll_interval_minutes: 10

inverter:
  host: 192.168.1.50
  serial: 1234567890
  system_size_kw: 5.5
  ranges:
    - GridOutput

pvoutput:
  enabled: true
  api_key: secret
  system_id: "12345"
  extended_params:
    v7: "SystemInfo.Temperature_Env1"

mqtt:
  enabled: true
  host: broker.local
  topic: energy/sofar/test

api:
  enabled: true
  port: 9090
`
	path := writeConfig(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PollIntervalMinutes)

	assert.Equal(t, "192.168.1.50", cfg.Inverter.Host)
	// defaults survive where the file is silent
	assert.Equal(t, 8899, cfg.Inverter.Port)
	assert.Equal(t, uint32(1234567890), cfg.Inverter.Serial)
	assert.Equal(t, 5.5, cfg.Inverter.SystemSizeKW)
	assert.Equal(t, []string{"GridOutput"}, cfg.Inverter.Ranges)

	assert.True(t, cfg.PVOutput.Enabled)
	assert.Equal(t, "secret", cfg.PVOutput.APIKey)
	assert.Equal(t, "12345", cfg.PVOutput.SystemID)
	assert.Equal(t, "SystemInfo.Temperature_Env1", cfg.PVOutput.ExtendedParams["v7"])

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, "energy/sofar/test", cfg.MQTT.Topic)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9090, cfg.API.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "inverter: [unbalanced")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	// file parses but names no inverter host
	path := writeConfig(t, "log_level: debug\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Inverter.Host = "192.168.1.50"
		cfg.Inverter.Serial = 42
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Inverter.Host = "" },
			wantErr: "host",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Inverter.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "missing serial",
			mutate:  func(c *Config) { c.Inverter.Serial = 0 },
			wantErr: "serial",
		},
		{
			name:    "negative system size",
			mutate:  func(c *Config) { c.Inverter.SystemSizeKW = -1 },
			wantErr: "system size",
		},
		{
			name:    "bad poll interval",
			mutate:  func(c *Config) { c.PollIntervalMinutes = 0 },
			wantErr: "poll interval",
		},
		{
			name: "pvoutput enabled without credentials",
			mutate: func(c *Config) {
				c.PVOutput.Enabled = true
			},
			wantErr: "pvoutput",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
