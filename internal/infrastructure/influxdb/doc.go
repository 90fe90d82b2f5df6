// Package influxdb provides optional InfluxDB output for relay throughput.
//
// It wraps the official influxdb-client-go v2 library. When enabled, the
// relay writes one relay_events point per bus message (topic, recipient
// count, payload size) and one link_state point per Cloud Link transition.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // Run without time-series output.
//	}
//	defer client.Close()
//
//	client.WriteRelayEvent("devdata-socket", 2, 512)
//
// # Thread Safety
//
// All methods are safe for concurrent use. A nil *Client is a valid,
// permanently disconnected client.
package influxdb
