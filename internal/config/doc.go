// Package config handles configuration loading for warroom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${WARROOM_DB_PATH}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	scheduler:
//	  debounce: "700ms"
//	  interactive_timeout: "15s"
//
// Interactive triggers (host interrupts, manual next-turn) get the shorter
// timeout; background round-robin turns get the longer one.
package config
