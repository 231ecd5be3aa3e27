// Package orchestrator drives a user query end to end on top of the
// workflow engine.
//
// Handle opens an orchestrated execution and walks it through the unified
// phases: analyzing while the master coordinator classifies the query,
// routing once agents are chosen, executing while process_query steps run
// on those agents, then completed or failed. Conversational queries go
// straight from analyzing to completed.
//
// Multi-agent replies are stitched together under a coordination banner.
// Agents that are not reachable as registered endpoints, or that decline
// the query, are represented by a templated reply; the synthesis itself
// never fails a workflow. Transport failures and classification errors do.
//
// Submit is the asynchronous entry point used by POST /workflow. It starts
// either a named workflow template or an orchestrated query and returns
// immediately.
package orchestrator
