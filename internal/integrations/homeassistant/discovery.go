package homeassistant

import (
	"fmt"

	"wastesort-go/internal/integrations/mqtt"
	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

// Constants for Home Assistant MQTT Discovery
const (
	DiscoveryPrefix = "homeassistant"
	ComponentSensor = "sensor"
	NodeID          = "wastesort"
)

// SensorConfig is the MQTT discovery payload for one sensor
type SensorConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	UnitOfMeasurement   string  `json:"unit_of_measurement,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups the sensors in Home Assistant
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryManager publishes the discovery configs for the dashboard sensors
type DiscoveryManager struct {
	publisher mqtt.Publisher
	prefix    string
	version   string
}

// NewDiscoveryManager creates a manager for topics below prefix
func NewDiscoveryManager(publisher mqtt.Publisher, prefix, version string) *DiscoveryManager {
	return &DiscoveryManager{
		publisher: publisher,
		prefix:    prefix,
		version:   version,
	}
}

func (dm *DiscoveryManager) device() *Device {
	return &Device{
		Identifiers:  []string{"wastesort_go"},
		Name:         "Waste Sorting Dashboard",
		Manufacturer: "wastesort-go",
		Model:        "Detection Dashboard",
		SWVersion:    dm.version,
	}
}

// Sensors returns the discovery configs keyed by object id
func (dm *DiscoveryManager) Sensors() map[string]SensorConfig {
	device := dm.device()
	availability := mqtt.Topic(dm.prefix, "availability")
	statsTopic := mqtt.Topic(dm.prefix, "stats")

	base := func(name, id, state, template, icon string) SensorConfig {
		return SensorConfig{
			Name:                name,
			UniqueID:            "wastesort_" + id,
			StateTopic:          state,
			ValueTemplate:       template,
			Icon:                icon,
			AvailabilityTopic:   availability,
			PayloadAvailable:    mqtt.PayloadOnline,
			PayloadNotAvailable: mqtt.PayloadOffline,
			Device:              device,
		}
	}

	sensors := map[string]SensorConfig{
		"backend_status": base("Detection Backend", "backend_status",
			mqtt.Topic(dm.prefix, "status"), "{{ value_json.status }}", "mdi:server-network"),
		"last_detection": base("Last Detection", "last_detection",
			mqtt.Topic(dm.prefix, "detections"), "{{ value_json.name }}", "mdi:delete-variant"),
		"total_detections": base("Total Detections", "total_detections",
			statsTopic, "{{ value_json.total_detections }}", "mdi:counter"),
		"average_confidence": base("Average Confidence", "average_confidence",
			statsTopic, "{{ value_json.average_confidence }}", "mdi:percent"),
	}

	last := sensors["last_detection"]
	last.JSONAttributesTopic = mqtt.Topic(dm.prefix, "detections")
	sensors["last_detection"] = last

	avg := sensors["average_confidence"]
	avg.UnitOfMeasurement = "%"
	sensors["average_confidence"] = avg

	for _, cat := range session.Categories {
		id := "category_" + string(cat)
		sensors[id] = base(
			fmt.Sprintf("Detections %s", cat),
			id,
			statsTopic,
			fmt.Sprintf("{{ value_json.distribution.%s | default(0) }}", cat),
			"mdi:trash-can",
		)
	}
	return sensors
}

// Register publishes all discovery configs (retained)
func (dm *DiscoveryManager) Register() error {
	var failed int
	for id, sensor := range dm.Sensors() {
		topic := fmt.Sprintf("%s/%s/%s/%s/config", DiscoveryPrefix, ComponentSensor, NodeID, id)
		if err := dm.publisher.PublishMessage(topic, sensor, true); err != nil {
			log.Errorf("Failed to register Home Assistant sensor %s: %v", id, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to register %d sensor(s)", failed)
	}
	log.Info("Registered Home Assistant sensors")
	return nil
}
