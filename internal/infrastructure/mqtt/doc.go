// Package mqtt provides MQTT client connectivity for SmartLock Core.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// SmartLock Core uses MQTT as the control channel between the backend and
// the lock fleet. The broker (Mosquitto) decouples the service from
// individual device connections.
//
//	SmartLock Core ↔ MQTT Broker ↔ Lock Devices
//
// Provisioning tokens, CA certificates and OTA manifests flow outwards on
// per-device topics; status, access and OTA progress reports flow back.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to OTA progress from all devices
//	err = client.Subscribe(mqtt.Topics{}.AllOTAProgress(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Push an update manifest
//	topic := mqtt.Topics{}.OTACommand("lock-front-door")
//	client.Publish(topic, manifestJSON, 2, false)
package mqtt
