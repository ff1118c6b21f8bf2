// Package agent contains the two reasoning loops of the system: the
// Orchestrator, which converses with the user and plans tool use, and the
// Specialist, a delegated coder that iterates against the sandbox until its
// program runs. Both speak to models exclusively through the gateway and
// surface their progress as events.
package agent
