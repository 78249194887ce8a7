package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"opsdesk/api/internal/ordering"
	"opsdesk/api/internal/util"
)

// MemoryStore keeps every table in process memory behind one mutex, so each
// method is a serialized, atomic routine just like its Postgres counterpart.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	seq   int64
	items map[string]Item
	tags  map[string]Tag
	links map[string]TagLink // key: itemID + "\x00" + tagID
	docs  map[string]Doc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		items: make(map[string]Item),
		tags:  make(map[string]Tag),
		links: make(map[string]TagLink),
		docs:  make(map[string]Doc),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func linkKey(itemID, tagID string) string {
	return itemID + "\x00" + tagID
}

func clonePayload(payload Payload) Payload {
	out := make(Payload, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	return out
}

func cloneItem(item Item) Item {
	item.Payload = clonePayload(item.Payload)
	return item
}

func (s *MemoryStore) laneLocked(scope Scope, lane, exclude string) []Item {
	items := make([]Item, 0)
	for _, item := range s.items {
		if item.Kind == scope.Kind && item.Partition == scope.Partition && item.Lane == lane && item.ID != exclude {
			items = append(items, item)
		}
	}
	sortByKey(items)
	return items
}

func sortByKey(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return ordering.Less(
			ordering.Entry{ID: items[i].ID, Key: items[i].OrderKey, Seq: items[i].Seq},
			ordering.Entry{ID: items[j].ID, Key: items[j].OrderKey, Seq: items[j].Seq},
		)
	})
}

func sortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
}

func laneKeys(items []Item) []float64 {
	keys := make([]float64, len(items))
	for i, item := range items {
		keys[i] = item.OrderKey
	}
	return keys
}

func (s *MemoryStore) insertLocked(scope Scope, lane string, key float64, payload Payload) Item {
	s.seq++
	now := s.now()
	item := Item{
		ID:        util.NewID("itm"),
		Kind:      scope.Kind,
		Partition: scope.Partition,
		Lane:      lane,
		OrderKey:  key,
		Payload:   clonePayload(payload),
		Seq:       s.seq,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[item.ID] = item
	return cloneItem(item)
}

func (s *MemoryStore) CreateItem(_ context.Context, scope Scope, lane string, payload Payload) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := laneKeys(s.laneLocked(scope, lane, ""))
	return s.insertLocked(scope, lane, ordering.Append(keys), payload), nil
}

func (s *MemoryStore) CreateItems(_ context.Context, scope Scope, lane string, payloads []Payload) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := laneKeys(s.laneLocked(scope, lane, ""))
	next := ordering.Sequence(ordering.Max(keys), len(keys) == 0, len(payloads))
	created := make([]Item, 0, len(payloads))
	for i, payload := range payloads {
		created = append(created, s.insertLocked(scope, lane, next[i], payload))
	}
	return created, nil
}

func (s *MemoryStore) GetItem(_ context.Context, itemID string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("get item %s: %w", itemID, ErrNotFound)
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) MoveItem(_ context.Context, itemID, lane string, index int) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("move item %s: %w", itemID, ErrNotFound)
	}
	keys := laneKeys(s.laneLocked(item.Scope(), lane, itemID))
	item.Lane = lane
	item.OrderKey = ordering.KeyAt(keys, index)
	item.UpdatedAt = s.now()
	s.items[itemID] = item
	return cloneItem(item), nil
}

func (s *MemoryStore) UpdateItemPayload(_ context.Context, itemID string, payload Payload) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("update item payload %s: %w", itemID, ErrNotFound)
	}
	item.Payload = clonePayload(payload)
	item.UpdatedAt = s.now()
	s.items[itemID] = item
	return cloneItem(item), nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, itemID string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return Item{}, fmt.Errorf("delete item %s: %w", itemID, ErrNotFound)
	}
	delete(s.items, itemID)
	for key, link := range s.links {
		if link.ItemID == itemID {
			delete(s.links, key)
		}
	}
	return item, nil
}

func (s *MemoryStore) ListLane(_ context.Context, scope Scope, lane string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.laneLocked(scope, lane, "")
	for i := range items {
		items[i] = cloneItem(items[i])
	}
	return items, nil
}

func (s *MemoryStore) ListItems(_ context.Context, scope Scope) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Item, 0)
	for _, item := range s.items {
		if item.Kind == scope.Kind && item.Partition == scope.Partition {
			items = append(items, cloneItem(item))
		}
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) ListAllItems(context.Context) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, cloneItem(item))
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) RenormalizeLane(_ context.Context, scope Scope, lane string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.laneLocked(scope, lane, "")
	keys := ordering.Renormalized(len(items))
	now := s.now()
	for i, item := range items {
		item.OrderKey = keys[i]
		item.UpdatedAt = now
		s.items[item.ID] = item
	}
	return len(items), nil
}

func (s *MemoryStore) CreateTag(_ context.Context, name string, colorFor func(count int) string) (Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range s.tags {
		if !tag.Archived && strings.EqualFold(tag.Name, name) {
			return Tag{}, fmt.Errorf("create tag %q: %w", name, ErrConflict)
		}
	}
	tag := Tag{
		ID:        util.NewID("tag"),
		Name:      name,
		Color:     colorFor(len(s.tags)),
		CreatedAt: s.now(),
	}
	s.tags[tag.ID] = tag
	return tag, nil
}

func (s *MemoryStore) GetTag(_ context.Context, tagID string) (Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.tags[tagID]
	if !ok {
		return Tag{}, fmt.Errorf("get tag %s: %w", tagID, ErrNotFound)
	}
	return tag, nil
}

func (s *MemoryStore) ListTags(_ context.Context, includeArchived bool) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		if tag.Archived && !includeArchived {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if !tags[i].CreatedAt.Equal(tags[j].CreatedAt) {
			return tags[i].CreatedAt.Before(tags[j].CreatedAt)
		}
		return tags[i].ID < tags[j].ID
	})
	return tags, nil
}

func (s *MemoryStore) UpdateTag(_ context.Context, tagID string, patch TagPatch) (Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[tagID]
	if !ok {
		return Tag{}, fmt.Errorf("update tag %s: %w", tagID, ErrNotFound)
	}
	if patch.Name != nil {
		tag.Name = *patch.Name
	}
	if patch.Color != nil {
		tag.Color = *patch.Color
	}
	if patch.Archived != nil {
		tag.Archived = *patch.Archived
	}
	if !tag.Archived {
		for id, other := range s.tags {
			if id != tagID && !other.Archived && strings.EqualFold(other.Name, tag.Name) {
				return Tag{}, fmt.Errorf("update tag %s: %w", tagID, ErrConflict)
			}
		}
	}
	s.tags[tagID] = tag
	return tag, nil
}

func (s *MemoryStore) DeleteTag(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return fmt.Errorf("delete tag %s: %w", tagID, ErrNotFound)
	}
	for key, link := range s.links {
		if link.TagID == tagID {
			delete(s.links, key)
		}
	}
	delete(s.tags, tagID)
	return nil
}

func (s *MemoryStore) requireTagLocked(tagID string) error {
	if _, ok := s.tags[tagID]; !ok {
		return fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}
	return nil
}

func (s *MemoryStore) LinkTag(_ context.Context, itemID, tagID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireTagLocked(tagID); err != nil {
		return false, err
	}
	key := linkKey(itemID, tagID)
	if _, ok := s.links[key]; ok {
		return false, nil
	}
	s.links[key] = TagLink{ID: util.NewID("lnk"), ItemID: itemID, TagID: tagID, CreatedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) UnlinkTag(_ context.Context, itemID, tagID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireTagLocked(tagID); err != nil {
		return false, err
	}
	key := linkKey(itemID, tagID)
	if _, ok := s.links[key]; !ok {
		return false, nil
	}
	delete(s.links, key)
	return true, nil
}

func (s *MemoryStore) ToggleTag(_ context.Context, itemID, tagID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireTagLocked(tagID); err != nil {
		return false, err
	}
	key := linkKey(itemID, tagID)
	if _, ok := s.links[key]; ok {
		delete(s.links, key)
		return false, nil
	}
	s.links[key] = TagLink{ID: util.NewID("lnk"), ItemID: itemID, TagID: tagID, CreatedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) TaggedItemIDs(_ context.Context, tagID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireTagLocked(tagID); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for _, link := range s.links {
		if link.TagID == tagID {
			ids = append(ids, link.ItemID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListLinks(_ context.Context, itemIDs []string) ([]TagLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = struct{}{}
	}
	links := make([]TagLink, 0)
	for _, link := range s.links {
		if len(wanted) > 0 {
			if _, ok := wanted[link.ItemID]; !ok {
				continue
			}
		}
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
	return links, nil
}

func (s *MemoryStore) CreateDoc(_ context.Context, doc Doc) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = util.NewID("doc")
	}
	if _, ok := s.docs[doc.ID]; ok {
		return Doc{}, fmt.Errorf("insert doc %s: %w", doc.ID, ErrConflict)
	}
	now := s.now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *MemoryStore) GetDoc(_ context.Context, docID string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return Doc{}, fmt.Errorf("get doc %s: %w", docID, ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) UpdateDoc(_ context.Context, docID string, patch DocPatch) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return Doc{}, fmt.Errorf("update doc %s: %w", docID, ErrNotFound)
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Body != nil {
		doc.Body = *patch.Body
	}
	doc.UpdatedAt = s.now()
	s.docs[docID] = doc
	return doc, nil
}

func (s *MemoryStore) DeleteDoc(_ context.Context, docID string) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return Doc{}, fmt.Errorf("delete doc %s: %w", docID, ErrNotFound)
	}
	delete(s.docs, docID)
	return doc, nil
}

func (s *MemoryStore) ListDocs(_ context.Context, partition string) ([]Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Doc, 0)
	for _, doc := range s.docs {
		if partition == "" || doc.Partition == partition {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}
