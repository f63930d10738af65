// Package reminder implements the Reminder Pipeline (spec §4.3): a
// sequence of independently registered functions, each (session) ->
// DeveloperMessage?, run before every turn. Every reminder here is pure
// with respect to the session — it may read it and call its Mark*/Set*
// helpers, but the Task Executor is the only thing that appends what a
// reminder returns.
package reminder
