// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `reporter:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort                    : port for every HTTP surface (default 8080)
//   - Auth.Mode / KeyEnv / Header : admin API key for record removal
//   - Registry.TTL                : record lifetime after last acceptance (default 2m)
//   - Registry.Capacity           : maximum live records (default 100)
//   - Registry.RefreshOnDuplicate : lower reports reset the TTL clock (default false)
//   - Admission.Cooldown          : per-source cooldown (default 30s)
//   - Admission.StaleAfter        : idle source retention (default 1h)
//   - Admission.SourceHeader      : header naming the caller's source id (optional)
//   - Ingest.*                    : global token bucket and body size cap
//   - Sweep.Interval              : maintenance period (default 60s)
//   - Notify.*                    : threshold, queue, pacing and delivery targets
//   - Stream.*                    : WebSocket broadcast period and size
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, fn) reloads on change via fsnotify.
package config
