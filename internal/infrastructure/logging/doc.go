// Package logging provides structured logging for Marchog Core.
//
// It wraps log/slog so every component logs with the same handler, level
// filtering and default fields (service, version). Components take their
// own narrow Logger interface and receive a *Logger tagged with a
// "component" attribute via Component.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log broker passwords or JWT secrets.
package logging
