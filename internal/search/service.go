package search

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"opsdesk/api/internal/store"
)

var ErrInvalidInput = fmt.Errorf("search: %w", store.ErrInvalidInput)

var (
	_ Searcher = (*Meili)(nil)
	_ Searcher = (*PgFTS)(nil)
)

// Source is the read side the substring scan and reindexing run against.
type Source interface {
	ListItems(ctx context.Context, scope store.Scope) ([]store.Item, error)
	ListAllItems(ctx context.Context) ([]store.Item, error)
	ListDocs(ctx context.Context, partition string) ([]store.Doc, error)
}

// Service is the search facade. Substring search always scans the store;
// ranked search tries Meilisearch, then Postgres FTS, then the scan.
type Service struct {
	source Source
	meili  *Meili
	pgfts  *PgFTS
}

// NewService creates a search service. meili and pgfts may be nil.
func NewService(source Source, meili *Meili, pgfts *PgFTS) *Service {
	return &Service{source: source, meili: meili, pgfts: pgfts}
}

func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Search is a bounded, case-insensitive substring match over the cards and
// docs of one partition. Queries shorter than MinQueryLength return empty
// results without reading the store. It is a linear scan.
func (s *Service) Search(ctx context.Context, query, partition string) (Results, error) {
	needle := normalize(query)
	if len([]rune(needle)) < MinQueryLength {
		return emptyResults(), nil
	}
	partition = strings.TrimSpace(partition)
	if partition == "" {
		return Results{}, fmt.Errorf("%w: partition is required", ErrInvalidInput)
	}

	results := emptyResults()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := s.source.ListItems(gctx, store.Scope{Kind: store.KindCard, Partition: partition})
		if err != nil {
			return fmt.Errorf("scan cards: %w", err)
		}
		results.Cards = matchCards(items, needle, MaxPerCollection)
		return nil
	})
	g.Go(func() error {
		docs, err := s.source.ListDocs(gctx, partition)
		if err != nil {
			return fmt.Errorf("scan docs: %w", err)
		}
		results.Docs = matchDocs(docs, needle, MaxPerCollection)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Results{}, err
	}
	return results, nil
}

func containsFold(needle string, fields ...string) bool {
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func matchCards(items []store.Item, needle string, limit int) []store.Item {
	out := make([]store.Item, 0, limit)
	for _, item := range items {
		if len(out) == limit {
			break
		}
		if containsFold(needle,
			payloadString(item.Payload, "title"),
			payloadString(item.Payload, "description"),
			payloadString(item.Payload, "assignee"),
		) {
			out = append(out, item)
		}
	}
	return out
}

func matchDocs(docs []store.Doc, needle string, limit int) []store.Doc {
	out := make([]store.Doc, 0, limit)
	for _, doc := range docs {
		if len(out) == limit {
			break
		}
		if containsFold(needle, doc.Title, doc.Body) {
			out = append(out, doc)
		}
	}
	return out
}

// Ranked runs a relevance-ranked search. Meilisearch is used when healthy,
// Postgres FTS otherwise; without either the substring scan answers.
func (s *Service) Ranked(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if len([]rune(q.Text)) < MinQueryLength {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}, nil
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}, nil
		}
		log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}

	if s.pgfts != nil {
		results, total, err := s.pgfts.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "pgfts"}, nil
		}
		log.WithError(err).Warn("pgfts error, falling back to substring scan")
	}

	results, err := s.scanRanked(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Engine: "scan"}, nil
}

func (s *Service) scanRanked(ctx context.Context, q Query) ([]Result, error) {
	needle := normalize(q.Text)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	results := make([]Result, 0)
	if q.FilterType == "" || q.FilterType == ResultItem {
		all, err := s.source.ListAllItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan items: %w", err)
		}
		items := make([]store.Item, 0, len(all))
		for _, item := range all {
			if q.Partition == "" || item.Partition == q.Partition {
				items = append(items, item)
			}
		}
		for _, item := range matchCards(items, needle, limit) {
			results = append(results, Result{
				Type:      ResultItem,
				ID:        item.ID,
				Kind:      item.Kind,
				Partition: item.Partition,
				Title:     payloadString(item.Payload, "title"),
				Snippet:   payloadString(item.Payload, "description"),
			})
		}
	}
	if q.FilterType == "" || q.FilterType == ResultDoc {
		docs, err := s.source.ListDocs(ctx, q.Partition)
		if err != nil {
			return nil, fmt.Errorf("scan docs: %w", err)
		}
		for _, doc := range matchDocs(docs, needle, limit) {
			results = append(results, Result{
				Type:      ResultDoc,
				ID:        doc.ID,
				Partition: doc.Partition,
				Title:     doc.Title,
				Snippet:   doc.Body,
			})
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexItem pushes an item to Meilisearch (fire-and-forget).
func (s *Service) IndexItem(item store.Item) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexItems([]ItemRecord{itemRecord(item)}); err != nil {
			log.WithError(err).WithField("item_id", item.ID).Warn("index item")
		}
	}()
}

func (s *Service) IndexItems(items []store.Item) {
	if !s.indexing() || len(items) == 0 {
		return
	}
	records := make([]ItemRecord, len(items))
	for i, item := range items {
		records[i] = itemRecord(item)
	}
	go func() {
		if err := s.meili.IndexItems(records); err != nil {
			log.WithError(err).WithField("count", len(records)).Warn("index items")
		}
	}()
}

func (s *Service) DeleteItem(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteItem(id); err != nil {
			log.WithError(err).WithField("item_id", id).Warn("delete item from index")
		}
	}()
}

func (s *Service) IndexDoc(doc store.Doc) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexDocs([]DocRecord{docRecord(doc)}); err != nil {
			log.WithError(err).WithField("doc_id", doc.ID).Warn("index doc")
		}
	}()
}

func (s *Service) DeleteDoc(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteDoc(id); err != nil {
			log.WithError(err).WithField("doc_id", id).Warn("delete doc from index")
		}
	}()
}

// ReindexAll reads every item and doc from the store and pushes them to
// Meilisearch synchronously. It reports how many records were sent.
func (s *Service) ReindexAll(ctx context.Context) (items int, docs int, err error) {
	if s.meili == nil {
		return 0, 0, fmt.Errorf("reindex: meilisearch is not configured")
	}
	if !s.meili.Healthy() {
		return 0, 0, fmt.Errorf("reindex: meilisearch is unavailable: %w", store.ErrUnavailable)
	}

	allItems, err := s.source.ListAllItems(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reindex load items: %w", err)
	}
	allDocs, err := s.source.ListDocs(ctx, "")
	if err != nil {
		return 0, 0, fmt.Errorf("reindex load docs: %w", err)
	}

	itemRecords := make([]ItemRecord, len(allItems))
	for i, item := range allItems {
		itemRecords[i] = itemRecord(item)
	}
	docRecords := make([]DocRecord, len(allDocs))
	for i, doc := range allDocs {
		docRecords[i] = docRecord(doc)
	}
	if err := s.meili.IndexItems(itemRecords); err != nil {
		return 0, 0, fmt.Errorf("reindex items: %w", err)
	}
	if err := s.meili.IndexDocs(docRecords); err != nil {
		return len(itemRecords), 0, fmt.Errorf("reindex docs: %w", err)
	}
	return len(itemRecords), len(docRecords), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
