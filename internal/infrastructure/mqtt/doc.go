// Package mqtt provides the relay's connection to the masterbox message bus.
//
// This package manages:
//   - Connection to the local broker with auto-reconnect
//   - Topic subscriptions, restored after every reconnect
//   - A retained presence message with Last Will and Testament
//   - Connection health monitoring
//
// # Architecture
//
// Devices on the masterbox publish telemetry and trial lifecycle events to
// the broker. The relay subscribes to the three topics in Topics.Consumed and
// hands each message to the relay engine.
//
//	Devices → MQTT Broker → masterbox-relay → local peers / cloud
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.TopicDeviceData, client.QoS(),
//	    func(topic string, payload []byte) error {
//	        return engine.HandleBusMessage(topic, payload)
//	    })
package mqtt
