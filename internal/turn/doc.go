// Package turn implements the Turn Executor (spec §4.4): one LLM request,
// consumed through the unified stream adapter (internal/provider), its tool
// calls dispatched through the Tool Runner (internal/tool), emitting the
// ordered UI event sequence a Task Executor turn loop drives.
package turn
