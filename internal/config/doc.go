// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Location (in order):
//
//  1. --config flag
//  2. SWITCHBOARD_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/switchboard/config.yaml (~/.config when unset)
//
// SWITCHBOARD_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  reconnect_backoff: "5s"
//	conversation:
//	  inactivity_timeout: "30m"
//	  dedupe_ttl: "10m"
//
// # Configuration Sections
//
//	server:        http_addr
//	database:      path
//	auth:          jwt_secret (optional, at least 32 bytes)
//	transport:     driver (matrix | cloudapi), reconnect_backoff, matrix, cloudapi
//	conversation:  inactivity_timeout, sweep_schedule, dedupe_ttl, dedupe_max_entries
//	bot:           templates (template id -> text)
//	logging:       level (debug, info, warn, error), format (text, json)
//
// # Validation
//
// Field rules are declared with go-playground/validator struct tags and
// reported by yaml key. Rules depending on the selected driver are checked
// by Validate after the tag pass.
package config
