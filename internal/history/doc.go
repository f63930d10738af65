// Package history defines the Session data model: the append-only
// ConversationHistory of HistoryEvents, the FileTracker, the TodoList, and
// the checkpoint/compaction bookkeeping that sits on top of them.
//
// HistoryEvent (the Event type) is modeled as a discriminated union: one Kind
// tag plus one populated typed field. JSON encode/decode round-trips through that tag so the
// append-only event log (internal/storage) can store one event per line.
package history
