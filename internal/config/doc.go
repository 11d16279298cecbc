// Package config loads the agentd configuration from a YAML or JSON file,
// fills in defaults relative to the file's directory and applies environment
// overrides. Every section maps onto one component: the reasoning provider,
// the conversation store, the confirmation mailbox, the turn queue, the event
// sinks, the tools and the ambient logging and alerting setup.
package config
