// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${MATRIX_ACCESS_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@relay:example.org"
//	  access_token: "${MATRIX_ACCESS_TOKEN}"
//	  recovery_key: ""            # set to enable end-to-end encryption
//	  allowed_users: ["@me:example.org"]
//	  allowed_rooms: []           # empty = every joined room
//	  command_prefix: ""
//	  typing_indicator: true
//	  auto_join: false
//	  progress_interval: "3s"     # "0s" disables tool progress notices
//
//	agent:
//	  binary: "claude"
//	  working_dir: "~/src"
//	  model: "sonnet"
//	  max_turns: 50
//	  permission_mode: "default"  # default, acceptEdits, plan, bypassPermissions
//	  permission_timeout: "5m"
//	  allowed_tools: []
//	  thinking_budget: 0
//
//	database:
//	  path: "~/.local/share/coven/relay.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// Duration values use Go's time.ParseDuration syntax.
package config
