// Package a2a implements the agent-to-agent message protocol and the router
// that delivers messages to worker agents over HTTP.
//
// # Wire Contract
//
// Agents expose:
//
//	POST /a2a/message   body: Message JSON  → {success, data?, error?, metadata?}
//	GET  /health        → {status, tools: [...]}
//
// # Router
//
// Router keeps the agent-name → endpoint table in registration order.
// Send never returns transport problems as errors: unreachable agents,
// non-2xx replies, and timeouts all come back as a Response with
// Success=false and a descriptive Error. The only error Send returns is
// ErrNotRegistered. Broadcast always collects one response per target.
//
// Outbound sends are optionally rate limited per agent, retried with
// backoff, signed with detached envelope headers, traced with
// OpenTelemetry, and counted in Prometheus.
package a2a
