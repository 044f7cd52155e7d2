// Package connectors defines the data-source contracts the orchestration core
// consumes, plus a libsql-backed SQL connector and an in-memory retriever.
package connectors

import (
	"context"
)

// Connector is anything registered on a workflow context. Type names the
// implementation and is the only part of a connector that ever appears in
// event snapshots.
type Connector interface {
	Type() string
}

// SQLConnector runs statements against a live database.
type SQLConnector interface {
	Connector
	Dialect() string
	// Schema describes the tables available to generated queries.
	Schema(ctx context.Context) (string, error)
	// Query executes sql and returns each row as a column→value map.
	// Failures are EXECUTION_ERROR.
	Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
	Policy() *ApprovalPolicy
}

// Snippet is one retrieval hit.
type Snippet struct {
	Text     string         `json:"text" yaml:"text"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Shape implements redact.Shaper.
func (s Snippet) Shape() any {
	return map[string]any{"text": s.Text, "metadata": s.Metadata}
}

// Snippets is a search result list.
type Snippets []Snippet

// Shape implements redact.Shaper.
func (s Snippets) Shape() any {
	out := make([]any, len(s))
	for i, sn := range s {
		out[i] = sn.Shape()
	}
	return out
}

// Retriever searches a document index.
type Retriever interface {
	Connector
	Search(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// AsSQL returns c as an SQLConnector when it is one.
func AsSQL(c Connector) (SQLConnector, bool) {
	s, ok := c.(SQLConnector)
	return s, ok
}

// AsRetriever returns c as a Retriever when it is one.
func AsRetriever(c Connector) (Retriever, bool) {
	r, ok := c.(Retriever)
	return r, ok
}
