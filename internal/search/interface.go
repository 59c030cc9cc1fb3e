package search

import "context"

// Searcher defines the query API used by the CLI.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*Result, error)
	Close() error
}

// DebugStatser provides lightweight stats for visibility/debugging.
type DebugStatser interface {
	DocCount() (int, error)
}
