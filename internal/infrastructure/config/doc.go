// Package config handles loading and validating Marchog Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file
//   - Overriding with MARCHOG_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Sensitive values (broker passwords, tokens) should be set via environment variables
//   - An empty security.jwt.secret leaves the command API open; set one outside a lab
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Topics.Root)
package config
