package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the relay. Only counts and sizes are recorded,
// never payloads.
const (
	MeasurementRelayEvents = "relay_events"
	MeasurementLinkState   = "link_state"
)

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// WriteRelayEvent records one relayed bus message: the topic, how many
// cloud subscribers it went to and its payload size.
func (c *Client) WriteRelayEvent(topic string, recipients, bytes int) {
	c.write(MeasurementRelayEvents,
		map[string]string{"topic": topic},
		map[string]any{"recipients": recipients, "bytes": bytes})
}

// WriteLinkState records a Cloud Link state transition.
func (c *Client) WriteLinkState(state string) {
	c.write(MeasurementLinkState,
		map[string]string{"state": state},
		map[string]any{"value": 1})
}
