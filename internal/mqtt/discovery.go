//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"

	"blz-host/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/blz_00158D00012A3B4C/linkquality/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	SwVersion   string   `json:"sw_version,omitempty"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

const bridgeNodeID = "blz_bridge"

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "blz_" + ieee
}

// deviceTopic returns the state topic of a device.
func deviceTopic(prefix, ieee string) string {
	return prefix + "/" + ieee
}

// buildDiscovery generates HA discovery messages for a joined device: its
// link quality and when it was last heard from.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	if dev.Left {
		return nil
	}
	nodeID := deviceIdentifier(dev.IEEEAddress)
	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        dev.IEEEAddress,
		ViaDevice:   bridgeNodeID,
	}
	stateTopic := deviceTopic(prefix, dev.IEEEAddress)
	avail := prefix + "/bridge/state"

	return []discoveryMsg{
		{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/linkquality/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              "Link quality",
				UniqueID:          nodeID + "_linkquality",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.linkquality }}",
				UnitOfMeasurement: "lqi",
				StateClass:        "measurement",
				EntityCategory:    "diagnostic",
				Icon:              "mdi:signal",
				Device:            haDev,
			}),
		},
		{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/last_seen/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              "Last seen",
				UniqueID:          nodeID + "_last_seen",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.last_seen }}",
				DeviceClass:       "timestamp",
				EntityCategory:    "diagnostic",
				Device:            haDev,
			}),
		},
	}
}

// buildRemoveDiscovery returns empty retained messages for every entity
// buildDiscovery creates.
func buildRemoveDiscovery(ieee string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)
	var msgs []discoveryMsg
	for _, obj := range []string{"linkquality", "last_seen"} {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

// buildBridgeDiscovery describes the coordinator itself: its commissioning
// state and a permit-join switch.
func buildBridgeDiscovery(prefix, firmware string) []discoveryMsg {
	haDev := haDevice{
		Identifiers: []string{bridgeNodeID},
		Name:        "BLZ coordinator",
		Model:       "BLZ",
		SwVersion:   firmware,
	}
	avail := prefix + "/bridge/state"
	info := prefix + "/bridge/info"

	return []discoveryMsg{
		{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/state/config", bridgeNodeID),
			Payload: mustJSON(haDiscovery{
				Name:              "State",
				UniqueID:          bridgeNodeID + "_state",
				StateTopic:        info,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.state }}",
				EntityCategory:    "diagnostic",
				Device:            haDev,
			}),
		},
		{
			Topic: fmt.Sprintf("homeassistant/switch/%s/permit_join/config", bridgeNodeID),
			Payload: mustJSON(haDiscovery{
				Name:              "Permit join",
				UniqueID:          bridgeNodeID + "_permit_join",
				StateTopic:        info,
				CommandTopic:      prefix + "/bridge/request/permit_join",
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ 'ON' if value_json.permit_join else 'OFF' }}",
				PayloadOn:         `{"time": 254}`,
				PayloadOff:        `{"time": 0}`,
				StateOn:           "ON",
				StateOff:          "OFF",
				Icon:              "mdi:account-multiple-plus",
				Device:            haDev,
			}),
		},
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
