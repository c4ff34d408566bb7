// Package memstore provides mutex-guarded in-memory implementations of the
// engine's persistence ports. They back tests, dry runs and single-process
// tools; nothing survives a restart.
package memstore
