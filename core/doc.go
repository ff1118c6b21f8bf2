// Package core provides the foundational domain types and execution contexts
// used by Scriptorium. It defines the core abstractions for:
//
//   - Turns and structured blocks (the durable conversation record)
//   - Content parts (the model-facing message shape)
//   - Live events (the in-flight streaming vocabulary)
//   - WorkContext / ToolContext (scoped execution state threaded through
//     every call instead of process globals)
//   - The error taxonomy shared by gateway, tools, sandbox and engine
//
// The package intentionally keeps implementation concerns (persistence,
// model adapters, concrete agents) out of scope, exposing small interfaces
// so backends remain swappable.
package core
