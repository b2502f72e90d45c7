// Package search defines the web-search boundary consumed by the
// evidence agent, plus a Google Custom Search implementation.
package search

import "context"

// Result is one search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Constraints narrow a search. Zero values mean provider defaults.
type Constraints struct {
	// MaxResults caps the number of results returned.
	MaxResults int

	// Domains restricts results to the given sites.
	Domains []string
}

// Provider is an external search engine. Implementations must be safe
// for concurrent use.
type Provider interface {
	Search(ctx context.Context, query string, constraints Constraints) ([]Result, error)
}
