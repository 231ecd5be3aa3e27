// Package coordinator is the master coordinator: the first stop for every
// user query.
//
// Process classifies the query, stores anything worth remembering about
// the user, and then either answers directly (greetings and small talk)
// or returns a routing decision naming the worker agents that should
// handle it. Direct answers come from a text generator when one is
// configured and from fixed templates otherwise, so a conversational
// query always gets a reply.
package coordinator
