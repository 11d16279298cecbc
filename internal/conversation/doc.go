// Package conversation owns durable conversation state: the Conversation and
// Message model plus the Store backends (JSON files, MySQL, SQLite, memory)
// that load and save it. The orchestration engine only ever works on a copy
// returned by Load and writes it back with Save after every visible step.
package conversation
