// Package homeassistant provides MQTT auto-discovery support for Home
// Assistant integration.
package homeassistant

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/sofar_sensors.yaml
var sofarSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor definition from the embedded catalog.
type SensorConfig struct {
	Name              string `yaml:"name"`
	Range             string `yaml:"range"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
}

// Catalog is the embedded sensor catalog: field name to sensor metadata.
type Catalog struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery payload.
type DiscoveryMessage struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// Message is one ready-to-publish discovery topic/payload pair.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// AutoDiscovery generates Home Assistant discovery messages for the fields
// the register map can produce.
type AutoDiscovery struct {
	config     Config
	catalog    *Catalog
	stateTopic string
	deviceID   string
}

// New creates a new auto-discovery instance. stateTopic is where readings
// are published; deviceID identifies the inverter (its serial).
func New(config Config, stateTopic, deviceID string) (*AutoDiscovery, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(sofarSensorsYAML, &catalog); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor catalog: %w", err)
	}

	log.Info().
		Str("version", catalog.Version).
		Int("sensor_count", len(catalog.Sensors)).
		Msg("Home Assistant sensor catalog loaded")

	return &AutoDiscovery{
		config:     config,
		catalog:    &catalog,
		stateTopic: stateTopic,
		deviceID:   deviceID,
	}, nil
}

// Messages builds the discovery messages for every cataloged sensor.
func (ad *AutoDiscovery) Messages() ([]Message, error) {
	device := DeviceInfo{
		Identifiers:  []string{fmt.Sprintf("sofar2pvo_%s", ad.deviceID)},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.config.DeviceModel,
	}

	messages := make([]Message, 0, len(ad.catalog.Sensors))
	for field, sensor := range ad.catalog.Sensors {
		objectID := fmt.Sprintf("sofar2pvo_%s_%s", ad.deviceID, strings.ToLower(field))

		msg := DiscoveryMessage{
			Name:              sensor.Name,
			UniqueID:          objectID,
			StateTopic:        ad.stateTopic,
			ValueTemplate:     fmt.Sprintf("{{ value_json.values['%s']['%s'] }}", sensor.Range, field),
			DeviceClass:       sensor.DeviceClass,
			UnitOfMeasurement: sensor.UnitOfMeasurement,
			StateClass:        sensor.StateClass,
			Icon:              sensor.Icon,
			Device:            device,
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal discovery message for %s: %w", field, err)
		}

		messages = append(messages, Message{
			Topic:   fmt.Sprintf("%s/sensor/%s/config", ad.config.DiscoveryPrefix, objectID),
			Payload: payload,
			Retain:  ad.config.RetainDiscovery,
		})
	}

	return messages, nil
}
