package bus

import "encoding/json"

// Canonical payload envelopes for both transport planes. Timestamps are
// epoch milliseconds as produced by firmware.

// CommandMsg is the MQTT-plane command body.
type CommandMsg struct {
	CmdID   string          `json:"cmdId"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// ZbCommandMsg is the Zigbee-plane command body.
type ZbCommandMsg struct {
	CmdID  string          `json:"cmdId"`
	TS     int64           `json:"ts"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
}

type AckMsg struct {
	CmdID string `json:"cmdId"`
	OK    bool   `json:"ok"`
	TS    int64  `json:"ts"`
	Error string `json:"error,omitempty"`
}

type StateMsg struct {
	TS    int64           `json:"ts"`
	State json.RawMessage `json:"state"`
}

type StatusMsg struct {
	TS     int64 `json:"ts"`
	Online bool  `json:"online"`
	// Hubs report their running firmware with status beacons; devices
	// omit it.
	FwVersion string `json:"fwVersion,omitempty"`
}

type EventMsg struct {
	TS   int64           `json:"ts"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DiscoveredMsg is a hub's announcement of a joining Zigbee device.
type DiscoveredMsg struct {
	TS           int64  `json:"ts"`
	IEEE         string `json:"ieee"`
	ShortAddr    string `json:"shortAddr,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SwBuildID    string `json:"swBuildId,omitempty"`
}
