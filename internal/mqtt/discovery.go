//go:build !no_mqtt

package mqtt

import (
	"encoding/hex"
	"strings"

	"knx-gateway/internal/gateway"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/knx_000111111111/tunnels/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id gateway.Identity) string {
	return "knx_" + strings.ToUpper(hex.EncodeToString(id.Serial[:]))
}

// buildDiscovery announces the gateway as one HA device with a bus
// connectivity sensor and a tunnel count, both fed from bridge/status.
func buildDiscovery(id gateway.Identity, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	status := prefix + "/bridge/status"
	nodeID := deviceIdentifier(id)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "KNX",
		Model:        "KNXnet/IP tunnelling gateway",
		Name:         id.FriendlyName,
	}

	bus := haDiscovery{
		Name:              id.FriendlyName + " Bus",
		UniqueID:          nodeID + "_bus",
		StateTopic:        status,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.bus_connected else 'OFF' }}",
		DeviceClass:       "connectivity",
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	tunnels := haDiscovery{
		Name:              id.FriendlyName + " Tunnels",
		UniqueID:          nodeID + "_tunnels",
		StateTopic:        status,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.tunnels }}",
		StateClass:        "measurement",
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: "homeassistant/binary_sensor/" + nodeID + "/bus/config", Payload: mustJSON(bus)},
		{Topic: "homeassistant/sensor/" + nodeID + "/tunnels/config", Payload: mustJSON(tunnels)},
	}
}

