// Package intent classifies free-text queries and picks the agents that
// should handle them.
//
// Classification is an ordered regex cascade loaded from versioned pattern
// data (patterns.toml, embedded). The order is a contract:
//
//  1. Conversational tiers (greeting, then simple_conversation). The first
//     tier with a matching pattern wins and nothing else is consulted.
//  2. Task tiers (scheduling, health_fitness, nutrition, shopping). If
//     exactly one matches it wins; two or more give multi_agent.
//  3. Nothing matched: simple_conversation.
//
// Target agents for a single task tier come from the tier's agent. For
// multi_agent they come from a coarser keyword scan, so the agent set can
// differ from the set of matching tiers.
package intent
