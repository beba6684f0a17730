// Package homeassistant announces the detection verdict sensors through
// Home Assistant MQTT discovery.
package homeassistant

import (
	"fmt"
	"strings"

	"person-detect-go/config"

	log "github.com/sirupsen/logrus"
)

const (
	componentSensor = "sensor"
	nodeID          = "person_detect"
)

// Publisher sends MQTT messages.
type Publisher interface {
	PublishMessage(topic string, payload interface{}, retain bool) error
}

// SensorConfig is the discovery payload of one sensor.
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	Icon                string  `json:"icon,omitempty"`
	StateClass          string  `json:"state_class,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups the sensors in Home Assistant.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// Announcement is a discovery payload and the topic it belongs on.
type Announcement struct {
	Topic  string
	Config SensorConfig
}

// DiscoveryManager publishes the discovery configuration.
type DiscoveryManager struct {
	publisher Publisher
	cfg       config.MQTTConfig
}

// NewDiscoveryManager creates a discovery manager.
func NewDiscoveryManager(publisher Publisher, cfg config.MQTTConfig) *DiscoveryManager {
	return &DiscoveryManager{publisher: publisher, cfg: cfg}
}

// Announcements returns the sensors derived from the verdict topic.
func (dm *DiscoveryManager) Announcements() []Announcement {
	prefix := dm.cfg.HomeAssistant.DiscoveryPrefix
	if prefix == "" {
		prefix = "homeassistant"
	}

	device := &Device{
		Identifiers:  []string{sanitize(dm.cfg.ClientID)},
		Name:         "Person Detect",
		Manufacturer: "person-detect-go",
		Model:        "Object detection",
	}

	sensor := func(key, name, template, icon, stateClass string) Announcement {
		cfg := SensorConfig{
			Name:                name,
			UniqueID:            fmt.Sprintf("%s_%s", sanitize(dm.cfg.ClientID), key),
			StateTopic:          dm.cfg.ResultTopic,
			ValueTemplate:       template,
			JSONAttributesTopic: dm.cfg.ResultTopic,
			Icon:                icon,
			StateClass:          stateClass,
			Device:              device,
		}
		if dm.cfg.StatusTopic != "" {
			cfg.AvailabilityTopic = dm.cfg.StatusTopic
			cfg.PayloadAvailable = "online"
			cfg.PayloadNotAvailable = "offline"
		}
		return Announcement{
			Topic:  fmt.Sprintf("%s/%s/%s/%s/config", prefix, componentSensor, nodeID, key),
			Config: cfg,
		}
	}

	return []Announcement{
		sensor("person_count", "Person Count", "{{ value_json.person_count }}", "mdi:account-group", "measurement"),
		sensor("outcome", "Detection Outcome", "{{ value_json.outcome }}", "mdi:account-check", ""),
	}
}

// Publish sends every announcement retained. It is a no-op when discovery
// is disabled or no result topic is configured.
func (dm *DiscoveryManager) Publish() error {
	if !dm.cfg.HomeAssistant.Discovery || dm.cfg.ResultTopic == "" {
		return nil
	}
	for _, a := range dm.Announcements() {
		log.Infof("Registering Home Assistant sensor %s", a.Config.UniqueID)
		if err := dm.publisher.PublishMessage(a.Topic, a.Config, true); err != nil {
			return fmt.Errorf("failed to publish discovery configuration: %w", err)
		}
	}
	return nil
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nodeID
	}
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}
