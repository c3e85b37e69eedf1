// Package config loads runtime configuration for the briefsync CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected with -c or -config. The extension picks
//     the format: .json, .yaml/.yml or .toml.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-s string   server URL of the repository service
//	-t string   transport kind: http or grpc
//	-g string   gRPC address (host:port)
//	-r string   repository id
//	-k string   access token
//	-b string   briefcase path
//	-w string   working directory for downloads
//	-p          enable revision prefetch
//	-l string   log level
//
// # File schema
//
// Durations are written either as strings like "30s" or, in JSON, as
// integer nanoseconds:
//
//	{
//	  "server_url": "https://hub.example.com/sv1.1",
//	  "repository_id": "3c8f...",
//	  "retry": {"max_attempts": 5, "base_delay": "2s"},
//	  "prefetch": {"enabled": true, "dir": "/var/cache/briefsync"}
//	}
//
// Environment variables are not read; use the file or flags.
package config
