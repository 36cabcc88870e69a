// Package runtime defines the AgentRuntime contract the core consumes but
// never implements: the core never spawns processes directly, the host
// does. A tmux-based reference implementation lives in tmux.go.
package runtime

import "context"

// AgentRuntime launches an agent process for an issue. The core treats a
// nil pid as a transient dispatch failure subject to retry policy — the
// host declined or failed to launch, and err carries no information the
// core needs to distinguish "declined" from "failed".
type AgentRuntime interface {
	LaunchAgent(ctx context.Context, issueNumber, agentType, triggerSource string) (pid *int, tool string, err error)
}
