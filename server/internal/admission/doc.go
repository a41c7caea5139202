// Package admission implements the per-source cooldown gate in front of the
// registry.
//
// Limiter.Admit(sourceID, now) grants a source at most one attempt per
// cooldown window. A grant is spent per attempt, whether or not the registry
// later accepts the report. PurgeStale drops sources that have been quiet
// longer than a bound so the table cannot grow without limit; the sweep
// package calls it on every tick.
package admission
