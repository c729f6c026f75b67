// Package llm defines the completion contract the report pipeline relies on.
// Provider adapters live in sub-packages.
package llm
