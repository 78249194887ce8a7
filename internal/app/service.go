package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"opsdesk/api/internal/campaign"
	"opsdesk/api/internal/collection"
	"opsdesk/api/internal/parser"
	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/search"
	"opsdesk/api/internal/store"
)

type dataStore interface {
	collection.Store
	campaign.Store
	search.Source
	CreateDoc(ctx context.Context, doc store.Doc) (store.Doc, error)
	GetDoc(ctx context.Context, docID string) (store.Doc, error)
	UpdateDoc(ctx context.Context, docID string, patch store.DocPatch) (store.Doc, error)
	DeleteDoc(ctx context.Context, docID string) (store.Doc, error)
	Ping(ctx context.Context) error
}

var (
	_ dataStore = (*store.MemoryStore)(nil)
	_ dataStore = (*store.PostgresStore)(nil)
)

// Options carries the optional collaborators of a Service. Zero values
// disable the matching feature.
type Options struct {
	// Notifier announces changes. Defaults to the hub itself.
	Notifier reactive.Notifier
	Meili    *search.Meili
	PgFTS    *search.PgFTS
	Parser   parser.Parser
}

type Service struct {
	store    dataStore
	hub      *reactive.Hub
	notifier reactive.Notifier
	items    *collection.Service
	tags     *campaign.Service
	search   *search.Service
	parser   parser.Parser
}

func New(dataStore dataStore, hub *reactive.Hub, opts Options) *Service {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = hub
	}
	return &Service{
		store:    dataStore,
		hub:      hub,
		notifier: notifier,
		items:    collection.NewService(dataStore, notifier),
		tags:     campaign.NewService(dataStore, notifier),
		search:   search.NewService(dataStore, opts.Meili, opts.PgFTS),
		parser:   opts.Parser,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// BoardQuery selects what a board read returns. An empty Lane means every
// lane. TagName comes from the URL and StoredTagID from the client's saved
// preference.
type BoardQuery struct {
	Scope       store.Scope
	Lane        string
	TagName     string
	StoredTagID string
}

type BoardItem struct {
	store.Item
	Tags []string `json:"tags"`
}

type BoardLane struct {
	Name  string      `json:"name"`
	Items []BoardItem `json:"items"`
}

type Board struct {
	Kind      string      `json:"kind"`
	Partition string      `json:"partition"`
	ActiveTag string      `json:"activeTag,omitempty"`
	Lanes     []BoardLane `json:"lanes"`
}

// Board reads a collection grouped by lane, keeping only the items of the
// active campaign tag when one resolves.
func (s *Service) Board(ctx context.Context, q BoardQuery) (Board, error) {
	var lanes []collection.Lane
	if strings.TrimSpace(q.Lane) != "" {
		items, err := s.items.ListByLane(ctx, q.Scope, q.Lane)
		if err != nil {
			return Board{}, err
		}
		lanes = []collection.Lane{{Name: strings.TrimSpace(q.Lane), Items: items}}
	} else {
		var err error
		if lanes, err = s.items.Lanes(ctx, q.Scope); err != nil {
			return Board{}, err
		}
	}

	activeTag, err := s.tags.ActiveTag(ctx, q.TagName, q.StoredTagID)
	if err != nil {
		return Board{}, err
	}
	match, err := s.tags.ItemsMatching(ctx, activeTag)
	if errors.Is(err, store.ErrNotFound) {
		// The tag was deleted after it was resolved.
		activeTag = ""
		match, err = s.tags.ItemsMatching(ctx, "")
	}
	if err != nil {
		return Board{}, err
	}

	var ids []string
	for i := range lanes {
		lanes[i].Items = collection.Filter(lanes[i].Items, match)
		for _, item := range lanes[i].Items {
			ids = append(ids, item.ID)
		}
	}
	tagsByItem, err := s.tags.TagsByItem(ctx, ids)
	if err != nil {
		return Board{}, err
	}

	board := Board{
		Kind:      q.Scope.Kind,
		Partition: q.Scope.Partition,
		ActiveTag: activeTag,
		Lanes:     make([]BoardLane, 0, len(lanes)),
	}
	for _, lane := range lanes {
		out := BoardLane{Name: lane.Name, Items: make([]BoardItem, 0, len(lane.Items))}
		for _, item := range lane.Items {
			tags := tagsByItem[item.ID]
			if tags == nil {
				tags = []string{}
			}
			out.Items = append(out.Items, BoardItem{Item: item, Tags: tags})
		}
		board.Lanes = append(board.Lanes, out)
	}
	return board, nil
}

// WatchBoard streams a fresh board after every change to the collection or
// to the tag overlay, until ctx ends.
func (s *Service) WatchBoard(ctx context.Context, q BoardQuery) <-chan reactive.Result[Board] {
	return reactive.Watch(ctx, s.hub, reactive.Query[Board]{
		Topics: []string{reactive.ItemsTopic(q.Scope.Kind, q.Scope.Partition), reactive.TagsTopic},
		Run: func(ctx context.Context) (Board, error) {
			return s.Board(ctx, q)
		},
	})
}

func (s *Service) CreateItem(ctx context.Context, scope store.Scope, lane string, payload store.Payload) (store.Item, error) {
	item, err := s.items.Create(ctx, scope, lane, payload)
	if err != nil {
		return store.Item{}, err
	}
	s.search.IndexItem(item)
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, itemID string) (store.Item, error) {
	return s.items.Get(ctx, itemID)
}

func (s *Service) MoveItem(ctx context.Context, itemID, lane string, index int) (store.Item, error) {
	item, err := s.items.MoveToPosition(ctx, itemID, lane, index)
	if err != nil {
		return store.Item{}, err
	}
	s.search.IndexItem(item)
	return item, nil
}

func (s *Service) UpdateItem(ctx context.Context, itemID string, payload store.Payload) (store.Item, error) {
	item, err := s.items.UpdatePayload(ctx, itemID, payload)
	if err != nil {
		return store.Item{}, err
	}
	s.search.IndexItem(item)
	return item, nil
}

// DeleteItem removes the item and its tag links.
func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	if err := s.items.Remove(ctx, itemID); err != nil {
		return err
	}
	s.notifier.Notify(ctx, reactive.TagsTopic)
	s.search.DeleteItem(itemID)
	return nil
}

type RenormalizeResult struct {
	Lane    string `json:"lane"`
	Updated int    `json:"updated"`
}

func (s *Service) RenormalizeLane(ctx context.Context, scope store.Scope, lane string) (RenormalizeResult, error) {
	updated, err := s.items.Renormalize(ctx, scope, lane)
	if err != nil {
		return RenormalizeResult{}, err
	}
	log.WithFields(log.Fields{
		"kind":      scope.Kind,
		"partition": scope.Partition,
		"lane":      lane,
		"updated":   updated,
	}).Info("lane renormalized")
	return RenormalizeResult{Lane: strings.TrimSpace(lane), Updated: updated}, nil
}

// ImportItems extracts task records from text and appends them to lane in
// record order. Nothing is written when extraction fails.
func (s *Service) ImportItems(ctx context.Context, scope store.Scope, lane, text string) ([]store.Item, error) {
	if s.parser == nil {
		return nil, &parser.UpstreamError{Kind: parser.KindCredentials, Message: "no parser configured"}
	}
	if !collection.ValidKind(scope.Kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", collection.ErrInvalidInput, scope.Kind)
	}
	records, err := s.parser.Parse(ctx, text)
	if err != nil {
		log.WithError(err).WithField("partition", scope.Partition).Warn("import failed")
		return nil, err
	}
	payloads := make([]store.Payload, len(records))
	for i, rec := range records {
		payloads[i] = store.Payload{
			"title":       rec.Title,
			"description": rec.Description,
			"priority":    string(rec.Priority),
			"assignee":    rec.Assignee,
		}
	}
	items, err := s.items.BulkCreate(ctx, scope, lane, payloads)
	if err != nil {
		return nil, err
	}
	s.search.IndexItems(items)
	return items, nil
}

func (s *Service) ListTags(ctx context.Context, includeArchived bool) ([]store.Tag, error) {
	return s.tags.ListTags(ctx, includeArchived)
}

func (s *Service) CreateTag(ctx context.Context, name string) (store.Tag, error) {
	return s.tags.CreateTag(ctx, name)
}

func (s *Service) UpdateTag(ctx context.Context, tagID string, patch store.TagPatch) (store.Tag, error) {
	return s.tags.UpdateTag(ctx, tagID, patch)
}

func (s *Service) DeleteTag(ctx context.Context, tagID string) error {
	return s.tags.DeleteTag(ctx, tagID)
}

func (s *Service) TagItem(ctx context.Context, tagID, itemID string) error {
	return s.tags.Tag(ctx, itemID, tagID)
}

func (s *Service) UntagItem(ctx context.Context, tagID, itemID string) error {
	return s.tags.Untag(ctx, itemID, tagID)
}

// ToggleTag flips the link and reports whether the item is tagged afterwards.
func (s *Service) ToggleTag(ctx context.Context, tagID, itemID string) (bool, error) {
	return s.tags.Toggle(ctx, itemID, tagID)
}

func (s *Service) ListDocs(ctx context.Context, partition string) ([]store.Doc, error) {
	docs, err := s.store.ListDocs(ctx, strings.TrimSpace(partition))
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	return docs, nil
}

func (s *Service) GetDoc(ctx context.Context, docID string) (store.Doc, error) {
	doc, err := s.store.GetDoc(ctx, docID)
	if err != nil {
		return store.Doc{}, fmt.Errorf("get doc: %w", err)
	}
	return doc, nil
}

func (s *Service) CreateDoc(ctx context.Context, partition, title, body string) (store.Doc, error) {
	partition = strings.TrimSpace(partition)
	if partition == "" {
		return store.Doc{}, validationError("partition is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Doc{}, validationError("title is required")
	}
	doc, err := s.store.CreateDoc(ctx, store.Doc{Partition: partition, Title: title, Body: body})
	if err != nil {
		return store.Doc{}, fmt.Errorf("create doc: %w", err)
	}
	s.notifier.Notify(ctx, reactive.DocsTopic(doc.Partition))
	s.search.IndexDoc(doc)
	return doc, nil
}

func (s *Service) UpdateDoc(ctx context.Context, docID string, patch store.DocPatch) (store.Doc, error) {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return store.Doc{}, validationError("title must not be blank")
		}
		patch.Title = &title
	}
	doc, err := s.store.UpdateDoc(ctx, docID, patch)
	if err != nil {
		return store.Doc{}, fmt.Errorf("update doc: %w", err)
	}
	s.notifier.Notify(ctx, reactive.DocsTopic(doc.Partition))
	s.search.IndexDoc(doc)
	return doc, nil
}

func (s *Service) DeleteDoc(ctx context.Context, docID string) error {
	doc, err := s.store.DeleteDoc(ctx, docID)
	if err != nil {
		return fmt.Errorf("delete doc: %w", err)
	}
	s.notifier.Notify(ctx, reactive.DocsTopic(doc.Partition))
	s.search.DeleteDoc(doc.ID)
	return nil
}

func (s *Service) Search(ctx context.Context, query, partition string) (search.Results, error) {
	return s.search.Search(ctx, query, partition)
}

func (s *Service) RankedSearch(ctx context.Context, q search.Query) (search.Response, error) {
	if q.FilterType != "" && q.FilterType != search.ResultItem && q.FilterType != search.ResultDoc {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be item or doc", map[string]any{"type": q.FilterType})
	}
	return s.search.Ranked(ctx, q)
}

// Reindex pushes every item and doc to the ranked search index.
func (s *Service) Reindex(ctx context.Context) (items, docs int, err error) {
	return s.search.ReindexAll(ctx)
}
