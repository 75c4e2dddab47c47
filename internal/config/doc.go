// Package config handles configuration loading for switchboard-gateway.
//
// # Configuration File
//
// Default location (see DefaultPath):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/gateway.yaml
//  3. ~/.config/switchboard/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML. Both
// formats use the same keys.
//
// # Environment Variables
//
// A .env file next to the config file, and one in the working directory, are
// loaded before parsing. Variables already present in the environment win.
// Values can then reference them:
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  heartbeat_interval: "30s"
//	bridge:
//	  tool_timeout: "30s"
//	  retention: "5m"
//	cache:
//	  ttl:
//	    lead: "10m"
//	    stats: "30s"
//
// # Sections
//
//	server:    http_addr, grpc_addr
//	database:  path
//	auth:      jwt_secret, token_ttl
//	cache:     enabled, url, max_entries, ttl.*
//	hub:       heartbeat_interval, write_timeout, max_frames_per_second, frame_burst, allowed_origins
//	bridge:    tool_timeout, retention, sweep_interval
//	voice:     api_url, socket_url, api_key, agent_id, from_number, side_effect_timeout
//	sms:       enabled, account_sid, auth_token, from_number
//	events:    amqp_url, exchange
//	logging:   level, format
//	metrics:   enabled, path
package config
