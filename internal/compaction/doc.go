// Package compaction implements History Compaction (spec §4.10): choosing
// a safe cut index in a session's history, asking the LLM for a summary of
// the events up to that cut, and replacing them with a single
// CompactionEntry. It builds directly on the cut-safety helpers in
// internal/history/invariants.go.
package compaction
