// Package textgen is the coordinator's text-generation collaborator.
//
// Generators are fallible and slow; callers are expected to fall back to
// templated replies when Generate returns an error. Nop always does.
package textgen
