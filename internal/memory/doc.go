// Package memory keeps per-user long-lived context: a profile, a
// preference map, a bounded list of remembered facts, and a bounded list
// of recent conversation turns. Records are JSON documents in a
// store.Store under memory/<user_id>.
//
// Remember scans free text for things worth keeping (a name introduction,
// stated likes, dietary or health disclosures, goals) and Summary turns
// the record back into a one-line context string for reply generation.
package memory
