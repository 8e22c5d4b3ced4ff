// Package config handles configuration loading for loom-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${LOOM_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	routing:
//	  dispatch_timeout: "30s"
//	  session_grace: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # Catalog endpoint and session WebSocket
//	  session_path: "/session"
//
// Database:
//
//	database:
//	  path: "/var/lib/loom/hub.db"
//
// Routing:
//
//	routing:
//	  dispatch_timeout: "30s"
//	  session_grace: "2s"
//
// Catalog:
//
//	catalog:
//	  server_name: "loom-hub"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/loom/hub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
