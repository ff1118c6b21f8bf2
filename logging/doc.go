// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing callers to plug
// any structured logger. It also offers an EngineLogger with contextual
// helpers (work, run, component) for the orchestration engine.
package logging
