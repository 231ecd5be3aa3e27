// Package packs is the coordinator's tool dispatch table.
//
// # Overview
//
// Every worker agent contributes a pack: the set of tools it executes when
// it receives an `execute_tool_<name>` A2A message. Workflow steps name an
// agent and a tool; the workflow coordinator resolves the pair against this
// registry when a definition is registered, so a step that names a missing
// tool, or a tool owned by a different agent, is rejected up front instead
// of failing at dispatch time.
//
// # Shared Tools
//
// process_query is carried by every pack. It is exempt from collision
// checks and must always be resolved with ResolveFor.
//
// # Parameter Schemas
//
// A tool may declare a JSON Schema for its parameters. Schemas are compiled
// at registration with santhosh-tekuri/jsonschema and checked by
// Tool.ValidateParameters before a step is dispatched.
package packs
