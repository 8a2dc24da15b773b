// Package config handles configuration loading for chatsync.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, layered over Default().
// The commands also load a .env file before reading the config.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	session:
//	  access_token: "${CHATSYNC_ACCESS_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  initial_backoff: "1s"
//	  max_backoff: "30s"
//	  refresh_skew: "30s"
//
// # Configuration Sections
//
// Server endpoints:
//
//	server:
//	  api_url: "http://localhost:8080"
//	  live_url: "ws://localhost:8080/api/ws"  # optional, derived from api_url
//
// Live transport:
//
//	transport:
//	  dial_timeout: "10s"
//	  refresh_timeout: "10s"
//	  backoff_multiplier: 2
//	  jitter: 0.2
//	  max_reconnect_attempts: 0   # 0 retries forever
//	  max_refresh_failures: 5
//
// Outbound queue:
//
//	outbound:
//	  policy: "buffer"   # or "drop"
//	  capacity: 100
//	  flush_rate: 20     # messages per second while flushing
//
// Replay filter, logging and metrics:
//
//	dedupe:
//	  ttl: "5m"
//	  size: 4096
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text or json
//	metrics:
//	  enabled: true
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// The devserver section configures cmd/chatsync-devserver and is checked by
// ValidateDevServer.
package config
