// Package config handles configuration loading for the tradepost gateway.
//
// # Configuration File
//
// Location, in order:
//
//  1. Path from the TRADEPOST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tradepost/gateway.yaml (~/.config when unset)
//
// A .env file in the working directory is loaded first when present, so
// secrets can live outside the YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${TRADEPOST_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// token_ttl, ping_interval and idempotency_ttl use time.ParseDuration syntax
// ("30s", "10m", "24h") and must be positive.
//
// # Sections
//
//	server:     http_addr, grpc_addr
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral
//	database:   driver (sqlite|postgres), path, dsn
//	auth:       jwt_secret, token_ttl
//	realtime:   redis_url, channel, ping_interval
//	messaging:  idempotency_ttl, idempotency_max_entries
//	kafka:      enabled, brokers, topic
//	logging:    level, format (json|text|pretty)
//
// An empty auth.jwt_secret runs the gateway in development mode where the
// X-User-ID header names the caller.
package config
