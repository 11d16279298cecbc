// Package llm defines the reasoning-service capability consumed by the agent:
// a single Complete call that takes chat messages, a sampling temperature and
// an optional response schema. Provider adapters live in sub-packages
// (openai, anthropic) and a deterministic scripted fake lives in scripted.
// Pool bounds how many calls are in flight at once.
package llm
