// Package agent contains the orchestration engine. For every inbound user
// message it resolves pending tool confirmations, classifies the intent and
// routes the turn to a direct reply, a single tool call or a multi-step plan
// whose steps are executed strictly in order. Every message the engine
// produces is persisted immediately and published as a notification event.
package agent
