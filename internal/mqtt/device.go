package mqtt

import "github.com/nugget/weatherbridge/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every sensor of one weather location, so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published retained to the discovery topic.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates the device block for one weather location. The
// identifier combines the persistent instance ID with the configured
// device ID, so renaming the location in config keeps HA history.
func NewDeviceInfo(instanceID, deviceID, name string) DeviceInfo {
	if name == "" {
		name = deviceID
	}
	return DeviceInfo{
		Identifiers:  []string{instanceID + "_" + deviceID},
		Name:         name,
		Manufacturer: "weatherbridge",
		Model:        "Weather Forecast",
		SWVersion:    buildinfo.Version,
	}
}
