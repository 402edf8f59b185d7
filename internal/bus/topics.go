// Package bus owns the MQTT wire contract: the topic layout, the QoS
// table and the canonical payload envelopes. Nothing outside this
// package builds or parses a fleet topic.
package bus

import (
	"fmt"
	"strings"
)

// Channel is the semantic classification of an inbound fleet topic.
type Channel int

const (
	ChanUnknown Channel = iota
	ChanDeviceAck
	ChanDeviceState
	ChanDeviceStatus
	ChanHubStatus
	ChanZbState
	ChanZbEvent
	ChanZbCmdResult
	ChanZbDiscovered
)

func (c Channel) String() string {
	switch c {
	case ChanDeviceAck:
		return "device-ack"
	case ChanDeviceState:
		return "device-state"
	case ChanDeviceStatus:
		return "device-status"
	case ChanHubStatus:
		return "hub-status"
	case ChanZbState:
		return "zb-state"
	case ChanZbEvent:
		return "zb-event"
	case ChanZbCmdResult:
		return "zb-cmd-result"
	case ChanZbDiscovered:
		return "zb-discovered"
	default:
		return "unknown"
	}
}

// Subscription patterns for the whole fleet, subscribed at process start.
var Patterns = []string{
	"home/+/device/+/ack",
	"home/+/device/+/state",
	"home/+/device/+/status",
	"home/hub/+/status",
	"home/zb/+/state",
	"home/zb/+/event",
	"home/zb/+/cmd_result",
	"home/hub/+/zigbee/discovered",
}

// Outbound topic builders. Hubs are addressed as MQTT-plane endpoints
// under their home, keyed by hubId.

func DeviceSetTopic(homeID uint, deviceID string) string {
	return fmt.Sprintf("home/%d/device/%s/set", homeID, deviceID)
}

func ZbSetTopic(ieee string) string {
	return "home/zb/" + ieee + "/set"
}

// Parsed is the decomposition of an inbound fleet topic.
type Parsed struct {
	Channel Channel
	HomeID  string // raw segment; "" for zb/hub channels
	// DeviceID is the wire device id for device channels, the ieee for
	// zb channels and the hubId for hub channels.
	DeviceID string
}

// Parse classifies a topic. Unknown layouts return ChanUnknown.
func Parse(topic string) Parsed {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "home" {
		return Parsed{}
	}
	switch {
	case parts[1] == "hub" && len(parts) == 4 && parts[3] == "status":
		return Parsed{Channel: ChanHubStatus, DeviceID: parts[2]}
	case parts[1] == "hub" && len(parts) == 5 && parts[3] == "zigbee" && parts[4] == "discovered":
		return Parsed{Channel: ChanZbDiscovered, DeviceID: parts[2]}
	case parts[1] == "zb" && len(parts) == 4:
		p := Parsed{DeviceID: parts[2]}
		switch parts[3] {
		case "state":
			p.Channel = ChanZbState
		case "event":
			p.Channel = ChanZbEvent
		case "cmd_result":
			p.Channel = ChanZbCmdResult
		default:
			return Parsed{}
		}
		return p
	case len(parts) == 5 && parts[2] == "device":
		p := Parsed{HomeID: parts[1], DeviceID: parts[3]}
		switch parts[4] {
		case "ack":
			p.Channel = ChanDeviceAck
		case "state":
			p.Channel = ChanDeviceState
		case "status":
			p.Channel = ChanDeviceStatus
		default:
			return Parsed{}
		}
		return p
	}
	return Parsed{}
}
