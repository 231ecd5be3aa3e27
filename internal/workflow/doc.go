// Package workflow runs multi-agent workflows.
//
// # Definitions
//
// A Definition is a DAG of steps. Each step names an agent, a tool from that
// agent's pack, parameters, and the ids of steps it depends on. Register
// rejects duplicate ids, self-references, cycles, and tools the named agent
// does not provide. Definitions are immutable once registered.
//
// # Executions
//
// Every run is one Execution with a Status (running, completed, failed) and
// a Phase. DAG runs started with Execute go created → executing → terminal.
// Orchestrated queries started with Begin walk created → analyzing →
// routing → executing → terminal, and conversational queries finish
// straight from analyzing. Illegal phase transitions are rejected.
//
// # Scheduling
//
// The scheduler works in rounds. Each round dispatches every step whose
// dependencies have completed, concurrently, and waits for all of them
// before computing the next round. A step that times out or hits a
// transport failure is retried up to its retry budget; a step the agent
// rejects fails immediately. With HaltFailFast the first round with a
// failure stops scheduling and leaves the rest pending. With
// HaltSkipDependents only the failed step's dependents are skipped.
// A round with nothing ready and steps left over is a deadlock.
package workflow
