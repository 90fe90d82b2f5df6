// Package logging provides structured logging for the masterbox relay.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Rotating file output via lumberjack
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/masterbox-relay.log"
//	    max_size: 10     # megabytes
//	    max_backups: 3
//	    max_age: 7       # days
//	    compress: true
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting relay", "port", 3000)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log the masterbox access token. Cloud auth payloads are logged with
// the assigned user only.
package logging
