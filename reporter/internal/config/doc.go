// Package config loads the reporter configuration from the `reporter:` section
// of config.yaml.
//
// Top-level types:
//   - Config{Reporter}: the reporter's slice of the shared config file
//   - ReporterConfig: server_url, source_id, source_header, buffer_size,
//     send_timeout, drain_timeout, auth, tls
//   - AuthConfig: mode (apikey|bearer|none), header, key_env, token_env;
//     Key() and Token() resolve from environment variables
//   - TLSConfig: insecure_skip_verify, ca_file
//
// Load(path) reads the YAML file, applies defaults (buffer 100, 10s send
// timeout, 15s drain, X-Source-Id header), trims a trailing slash from
// server_url, then validates required fields and enums.
package config
