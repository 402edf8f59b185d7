package bus

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		topic    string
		channel  Channel
		homeID   string
		deviceID string
	}{
		{"home/1/device/d1/ack", ChanDeviceAck, "1", "d1"},
		{"home/1/device/d1/state", ChanDeviceState, "1", "d1"},
		{"home/42/device/hub-7/status", ChanDeviceStatus, "42", "hub-7"},
		{"home/hub/hub-7/status", ChanHubStatus, "", "hub-7"},
		{"home/hub/hub-7/zigbee/discovered", ChanZbDiscovered, "", "hub-7"},
		{"home/zb/00124b0001abcd12/state", ChanZbState, "", "00124b0001abcd12"},
		{"home/zb/00124b0001abcd12/event", ChanZbEvent, "", "00124b0001abcd12"},
		{"home/zb/00124b0001abcd12/cmd_result", ChanZbCmdResult, "", "00124b0001abcd12"},
	}
	for _, tc := range cases {
		got := Parse(tc.topic)
		if got.Channel != tc.channel || got.HomeID != tc.homeID || got.DeviceID != tc.deviceID {
			t.Errorf("Parse(%q) = %+v, want channel=%v home=%q device=%q",
				tc.topic, got, tc.channel, tc.homeID, tc.deviceID)
		}
	}
}

func TestParseRejectsUnknownLayouts(t *testing.T) {
	for _, topic := range []string{
		"home/1/device/d1/set",
		"home/1/device/d1",
		"home/zb/abc/set",
		"home/zb/abc/bogus",
		"nothome/1/device/d1/ack",
		"home/hub/hub-7/zigbee/other",
		"",
	} {
		if got := Parse(topic); got.Channel != ChanUnknown {
			t.Errorf("Parse(%q) = %v, want ChanUnknown", topic, got.Channel)
		}
	}
}

func TestTopicBuilders(t *testing.T) {
	if got := DeviceSetTopic(1, "d1"); got != "home/1/device/d1/set" {
		t.Fatalf("DeviceSetTopic = %q", got)
	}
	if got := ZbSetTopic("00124b0001abcd12"); got != "home/zb/00124b0001abcd12/set" {
		t.Fatalf("ZbSetTopic = %q", got)
	}
}

func TestPatternsCoverAllChannels(t *testing.T) {
	seen := map[Channel]bool{}
	samples := map[string]string{
		"home/+/device/+/ack":          "home/1/device/d/ack",
		"home/+/device/+/state":        "home/1/device/d/state",
		"home/+/device/+/status":       "home/1/device/d/status",
		"home/hub/+/status":            "home/hub/h/status",
		"home/zb/+/state":              "home/zb/i/state",
		"home/zb/+/event":              "home/zb/i/event",
		"home/zb/+/cmd_result":         "home/zb/i/cmd_result",
		"home/hub/+/zigbee/discovered": "home/hub/h/zigbee/discovered",
	}
	for _, pattern := range Patterns {
		sample, ok := samples[pattern]
		if !ok {
			t.Fatalf("unexpected pattern %q", pattern)
		}
		ch := Parse(sample).Channel
		if ch == ChanUnknown {
			t.Fatalf("pattern %q parses to ChanUnknown", pattern)
		}
		seen[ch] = true
	}
	if len(seen) != 8 {
		t.Fatalf("patterns cover %d channels, want 8", len(seen))
	}
}
