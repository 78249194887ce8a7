package search

import (
	"context"

	"opsdesk/api/internal/store"
)

const (
	// MinQueryLength is the shortest normalized query that reaches the store.
	MinQueryLength = 2
	// MaxPerCollection caps substring hits per collection.
	MaxPerCollection = 8
)

// Results is the bounded substring search response. Each collection is
// filtered independently and keeps its natural newest-first order.
type Results struct {
	Cards []store.Item `json:"cards"`
	Docs  []store.Doc  `json:"docs"`
}

func emptyResults() Results {
	return Results{Cards: []store.Item{}, Docs: []store.Doc{}}
}

// ResultType identifies the kind of entity in a ranked result.
type ResultType string

const (
	ResultItem ResultType = "item"
	ResultDoc  ResultType = "doc"
)

// Result is a single ranked hit.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Kind      string     `json:"kind,omitempty"`
	Partition string     `json:"partition"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
}

// Query describes a ranked search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Partition  string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the ranked search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a ranked full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ItemRecord is the data indexed for an item.
type ItemRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Partition   string `json:"partition"`
	Lane        string `json:"lane"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
}

// DocRecord is the data indexed for a doc.
type DocRecord struct {
	ID        string `json:"id"`
	Partition string `json:"partition"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

func payloadString(payload store.Payload, key string) string {
	value, _ := payload[key].(string)
	return value
}

func itemRecord(item store.Item) ItemRecord {
	return ItemRecord{
		ID:          item.ID,
		Kind:        item.Kind,
		Partition:   item.Partition,
		Lane:        item.Lane,
		Title:       payloadString(item.Payload, "title"),
		Description: payloadString(item.Payload, "description"),
		Assignee:    payloadString(item.Payload, "assignee"),
	}
}

func docRecord(doc store.Doc) DocRecord {
	return DocRecord{ID: doc.ID, Partition: doc.Partition, Title: doc.Title, Body: doc.Body}
}
