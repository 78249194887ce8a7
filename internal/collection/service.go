// Package collection manages items grouped into lanes and kept in a stable,
// cheaply reorderable sequence by fractional order keys. Kanban cards,
// pipeline cards, and sticky notes are all collections of this kind.
package collection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsdesk/api/internal/ordering"
	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/store"
)

var ErrInvalidInput = fmt.Errorf("collection: %w", store.ErrInvalidInput)

type Store interface {
	CreateItem(ctx context.Context, scope store.Scope, lane string, payload store.Payload) (store.Item, error)
	CreateItems(ctx context.Context, scope store.Scope, lane string, payloads []store.Payload) ([]store.Item, error)
	GetItem(ctx context.Context, itemID string) (store.Item, error)
	MoveItem(ctx context.Context, itemID, lane string, index int) (store.Item, error)
	UpdateItemPayload(ctx context.Context, itemID string, payload store.Payload) (store.Item, error)
	DeleteItem(ctx context.Context, itemID string) (store.Item, error)
	ListLane(ctx context.Context, scope store.Scope, lane string) ([]store.Item, error)
	ListItems(ctx context.Context, scope store.Scope) ([]store.Item, error)
	RenormalizeLane(ctx context.Context, scope store.Scope, lane string) (int, error)
}

// Lane is one column of a board, derived by grouping items on their lane.
type Lane struct {
	Name  string       `json:"name"`
	Items []store.Item `json:"items"`
}

type Service struct {
	store    Store
	notifier reactive.Notifier
}

func NewService(s Store, notifier reactive.Notifier) *Service {
	return &Service{store: s, notifier: notifier}
}

var kinds = map[string]struct{}{
	store.KindCard:     {},
	store.KindPipeline: {},
	store.KindSticky:   {},
}

func ValidKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

func validateScope(scope store.Scope) error {
	if !ValidKind(scope.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, scope.Kind)
	}
	if strings.TrimSpace(scope.Partition) == "" {
		return fmt.Errorf("%w: partition is required", ErrInvalidInput)
	}
	return nil
}

func normalizeLane(lane string) (string, error) {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return "", fmt.Errorf("%w: lane is required", ErrInvalidInput)
	}
	return lane, nil
}

// validatePayload requires a non-blank title and stores it trimmed.
func validatePayload(payload store.Payload) (store.Payload, error) {
	title, _ := payload["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	out := make(store.Payload, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	out["title"] = title
	return out, nil
}

func (s *Service) changed(ctx context.Context, scope store.Scope) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, reactive.ItemsTopic(scope.Kind, scope.Partition))
	}
}

// Create appends an item to the end of lane.
func (s *Service) Create(ctx context.Context, scope store.Scope, lane string, payload store.Payload) (store.Item, error) {
	if err := validateScope(scope); err != nil {
		return store.Item{}, err
	}
	lane, err := normalizeLane(lane)
	if err != nil {
		return store.Item{}, err
	}
	payload, err = validatePayload(payload)
	if err != nil {
		return store.Item{}, err
	}
	item, err := s.store.CreateItem(ctx, scope, lane, payload)
	if err != nil {
		return store.Item{}, fmt.Errorf("create item: %w", err)
	}
	s.changed(ctx, scope)
	return item, nil
}

// BulkCreate appends payloads to lane in one write, keeping their order.
// Nothing is written when any payload is invalid.
func (s *Service) BulkCreate(ctx context.Context, scope store.Scope, lane string, payloads []store.Payload) ([]store.Item, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	lane, err := normalizeLane(lane)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return []store.Item{}, nil
	}
	clean := make([]store.Payload, len(payloads))
	for i, payload := range payloads {
		if clean[i], err = validatePayload(payload); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	items, err := s.store.CreateItems(ctx, scope, lane, clean)
	if err != nil {
		return nil, fmt.Errorf("bulk create items: %w", err)
	}
	s.changed(ctx, scope)
	return items, nil
}

func (s *Service) Get(ctx context.Context, itemID string) (store.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// MoveToPosition places an item at index among the other items of lane.
// Only the moved item's key changes.
func (s *Service) MoveToPosition(ctx context.Context, itemID, lane string, index int) (store.Item, error) {
	lane, err := normalizeLane(lane)
	if err != nil {
		return store.Item{}, err
	}
	if index < 0 {
		return store.Item{}, fmt.Errorf("%w: index must not be negative", ErrInvalidInput)
	}
	item, err := s.store.MoveItem(ctx, itemID, lane, index)
	if err != nil {
		return store.Item{}, fmt.Errorf("move item: %w", err)
	}
	s.changed(ctx, item.Scope())
	return item, nil
}

func (s *Service) UpdatePayload(ctx context.Context, itemID string, payload store.Payload) (store.Item, error) {
	payload, err := validatePayload(payload)
	if err != nil {
		return store.Item{}, err
	}
	item, err := s.store.UpdateItemPayload(ctx, itemID, payload)
	if err != nil {
		return store.Item{}, fmt.Errorf("update item: %w", err)
	}
	s.changed(ctx, item.Scope())
	return item, nil
}

// Remove deletes an item and its tag links. Siblings keep their keys.
func (s *Service) Remove(ctx context.Context, itemID string) error {
	item, err := s.store.DeleteItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	s.changed(ctx, item.Scope())
	return nil
}

// ListByLane returns the items of lane ascending by order key.
func (s *Service) ListByLane(ctx context.Context, scope store.Scope, lane string) ([]store.Item, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	lane, err := normalizeLane(lane)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListLane(ctx, scope, lane)
	if err != nil {
		return nil, fmt.Errorf("list lane: %w", err)
	}
	return items, nil
}

// Lanes groups every item of the collection by lane. Lanes are sorted by name
// and each lane is ordered the same way ListByLane orders it.
func (s *Service) Lanes(ctx context.Context, scope store.Scope) ([]Lane, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return groupLanes(items), nil
}

func groupLanes(items []store.Item) []Lane {
	byLane := make(map[string][]store.Item)
	for _, item := range items {
		byLane[item.Lane] = append(byLane[item.Lane], item)
	}
	lanes := make([]Lane, 0, len(byLane))
	for name, members := range byLane {
		entries := make([]ordering.Entry, len(members))
		index := make(map[string]store.Item, len(members))
		for i, item := range members {
			entries[i] = ordering.Entry{ID: item.ID, Key: item.OrderKey, Seq: item.Seq}
			index[item.ID] = item
		}
		ordering.Sort(entries)
		sorted := make([]store.Item, len(entries))
		for i, entry := range entries {
			sorted[i] = index[entry.ID]
		}
		lanes = append(lanes, Lane{Name: name, Items: sorted})
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].Name < lanes[j].Name })
	return lanes
}

// Filter keeps the items accepted by match, preserving order.
func Filter(items []store.Item, match func(itemID string) bool) []store.Item {
	out := make([]store.Item, 0, len(items))
	for _, item := range items {
		if match(item.ID) {
			out = append(out, item)
		}
	}
	return out
}

// Renormalize rewrites the keys of lane to 0..n-1 without changing its order.
// It is a maintenance pass and never runs as part of a move.
func (s *Service) Renormalize(ctx context.Context, scope store.Scope, lane string) (int, error) {
	if err := validateScope(scope); err != nil {
		return 0, err
	}
	lane, err := normalizeLane(lane)
	if err != nil {
		return 0, err
	}
	count, err := s.store.RenormalizeLane(ctx, scope, lane)
	if err != nil {
		return 0, fmt.Errorf("renormalize lane: %w", err)
	}
	s.changed(ctx, scope)
	return count, nil
}

// Crowded reports whether adjacent keys in lane are close enough that
// renormalizing is worthwhile.
func (s *Service) Crowded(ctx context.Context, scope store.Scope, lane string) (bool, error) {
	items, err := s.ListByLane(ctx, scope, lane)
	if err != nil {
		return false, err
	}
	keys := make([]float64, len(items))
	for i, item := range items {
		keys[i] = item.OrderKey
	}
	return ordering.Crowded(keys), nil
}
