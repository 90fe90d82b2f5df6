// Package config handles loading and validating masterbox relay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Environment Variables:
//
// The unprefixed variables are the ones every deployed masterbox already
// carries: MQTT_URL, API_URL, CLOUD_SOCKET_URL, MASTERBOX_SECRET_ACCESS_TOKEN,
// MAC_ADDRESS and PORT. Relay-specific knobs use the RELAY_ prefix.
//
// Security Considerations:
//   - MASTERBOX_SECRET_ACCESS_TOKEN should only ever come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Cloud.URL)
package config
