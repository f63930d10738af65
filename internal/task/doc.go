// Package task implements the Task Executor (spec §4.2): one user request's
// lifecycle for a session — checkpointing, the reminder pipeline, the turn
// loop driving internal/turn until the model stops, and cancellation.
package task
