// Package gateway serves the coordinator's HTTP API.
//
// # Overview
//
// The gateway is a chi router over the coordinator's components. It owns
// no domain state: agents live in the a2a.Router, executions in the
// workflow.Coordinator, sessions in the session.Manager, and tokens in the
// auth.TokenManager. Each is injected through Config.
//
// # Routes
//
// Public routes:
//
//	GET  /health                               liveness, agent count, version
//	GET  /stats                                workflow, session, and token statistics
//	GET  /agents                               concurrent health probe of every agent
//	GET  /agents/{name}                        one agent's health plus its pack tools
//	POST /query                                run a query to completion
//	POST /workflow                             start a workflow type or background query
//	GET  /workflows                            list executions
//	GET  /workflows/{id}                       one execution with step results, 404 if unknown
//	GET  /workflows/definitions                list registered definitions
//	POST /workflows/definitions                register a schema-validated DAG
//	POST /workflows/definitions/{id}/execute   start a registered DAG
//	GET  /coordinator/status                   classifier, agents, and memory overview
//	POST /coordinator/analyze                  classify without dispatching
//	GET  /coordinator/memory                   what is remembered about a user
//
// Agent routes require "Authorization: Bearer <token>":
//
//	POST   /a2a/message            inbound messages (route_query, workflow_status)
//	POST   /auth/tokens/{agent}    issue a token (system_management)
//	DELETE /auth/tokens/{agent}    revoke a token (system_management)
//	GET    /auth/audit?limit=N     token issue and revoke history (system_management)
//
// Inbound messages must come from the agent named by the token. When
// signatures are required, the detached envelope headers must verify and
// name the same agent. Message ids seen inside the dedupe window are
// rejected with 409.
//
// # Errors
//
// Errors are JSON objects with a single "error" field. Failures of an
// inbound A2A operation are returned as a 200 with success=false, matching
// the reply shape agents use.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg)
//	err = gw.Run(ctx) // blocks until ctx is done, then shuts down gracefully
package gateway
