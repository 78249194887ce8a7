// Package campaign is the tag overlay: named, colored campaign tags linked to
// item identifiers of any collection, plus the filter predicate collections
// use to show only the items of one active tag.
package campaign

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/store"
)

var ErrInvalidInput = fmt.Errorf("campaign: %w", store.ErrInvalidInput)

// Palette is assigned round-robin by the number of existing tags.
var Palette = []string{
	"#6366f1",
	"#ec4899",
	"#f59e0b",
	"#10b981",
	"#3b82f6",
	"#ef4444",
	"#8b5cf6",
	"#14b8a6",
}

func ColorFor(count int) string {
	if count < 0 {
		count = 0
	}
	return Palette[count%len(Palette)]
}

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type Store interface {
	CreateTag(ctx context.Context, name string, colorFor func(count int) string) (store.Tag, error)
	GetTag(ctx context.Context, tagID string) (store.Tag, error)
	ListTags(ctx context.Context, includeArchived bool) ([]store.Tag, error)
	UpdateTag(ctx context.Context, tagID string, patch store.TagPatch) (store.Tag, error)
	DeleteTag(ctx context.Context, tagID string) error
	LinkTag(ctx context.Context, itemID, tagID string) (bool, error)
	UnlinkTag(ctx context.Context, itemID, tagID string) (bool, error)
	ToggleTag(ctx context.Context, itemID, tagID string) (bool, error)
	TaggedItemIDs(ctx context.Context, tagID string) ([]string, error)
	ListLinks(ctx context.Context, itemIDs []string) ([]store.TagLink, error)
}

type Service struct {
	store    Store
	notifier reactive.Notifier
}

func NewService(s Store, notifier reactive.Notifier) *Service {
	return &Service{store: s, notifier: notifier}
}

func (s *Service) changed(ctx context.Context) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, reactive.TagsTopic)
	}
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: tag name is required", ErrInvalidInput)
	}
	return name, nil
}

func requireIDs(itemID, tagID string) error {
	if strings.TrimSpace(itemID) == "" || strings.TrimSpace(tagID) == "" {
		return fmt.Errorf("%w: item and tag ids are required", ErrInvalidInput)
	}
	return nil
}

func (s *Service) CreateTag(ctx context.Context, name string) (store.Tag, error) {
	name, err := normalizeName(name)
	if err != nil {
		return store.Tag{}, err
	}
	tag, err := s.store.CreateTag(ctx, name, ColorFor)
	if err != nil {
		return store.Tag{}, fmt.Errorf("create tag: %w", err)
	}
	s.changed(ctx)
	return tag, nil
}

// UpdateTag applies a partial update. Archiving hides a tag but keeps its links.
func (s *Service) UpdateTag(ctx context.Context, tagID string, patch store.TagPatch) (store.Tag, error) {
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return store.Tag{}, err
		}
		patch.Name = &name
	}
	if patch.Color != nil && !hexColor.MatchString(*patch.Color) {
		return store.Tag{}, fmt.Errorf("%w: color must look like #rrggbb", ErrInvalidInput)
	}
	tag, err := s.store.UpdateTag(ctx, tagID, patch)
	if err != nil {
		return store.Tag{}, fmt.Errorf("update tag: %w", err)
	}
	s.changed(ctx)
	return tag, nil
}

// DeleteTag removes the tag and all of its links in one store routine.
func (s *Service) DeleteTag(ctx context.Context, tagID string) error {
	if err := s.store.DeleteTag(ctx, tagID); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	s.changed(ctx)
	return nil
}

func (s *Service) GetTag(ctx context.Context, tagID string) (store.Tag, error) {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return store.Tag{}, fmt.Errorf("get tag: %w", err)
	}
	return tag, nil
}

func (s *Service) ListTags(ctx context.Context, includeArchived bool) ([]store.Tag, error) {
	tags, err := s.store.ListTags(ctx, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// Tag links an item to a tag. Linking an already linked pair succeeds.
func (s *Service) Tag(ctx context.Context, itemID, tagID string) error {
	if err := requireIDs(itemID, tagID); err != nil {
		return err
	}
	added, err := s.store.LinkTag(ctx, itemID, tagID)
	if err != nil {
		return fmt.Errorf("tag item: %w", err)
	}
	if added {
		s.changed(ctx)
	}
	return nil
}

// Untag removes a link. Removing an absent link succeeds.
func (s *Service) Untag(ctx context.Context, itemID, tagID string) error {
	if err := requireIDs(itemID, tagID); err != nil {
		return err
	}
	removed, err := s.store.UnlinkTag(ctx, itemID, tagID)
	if err != nil {
		return fmt.Errorf("untag item: %w", err)
	}
	if removed {
		s.changed(ctx)
	}
	return nil
}

// Toggle flips the link and reports whether the pair is tagged afterwards.
// The decision is made inside the store against the current links.
func (s *Service) Toggle(ctx context.Context, itemID, tagID string) (bool, error) {
	if err := requireIDs(itemID, tagID); err != nil {
		return false, err
	}
	present, err := s.store.ToggleTag(ctx, itemID, tagID)
	if err != nil {
		return false, fmt.Errorf("toggle tag: %w", err)
	}
	s.changed(ctx)
	return present, nil
}

// ItemsMatching returns a predicate over item ids. An empty tagID matches
// everything and reads nothing.
func (s *Service) ItemsMatching(ctx context.Context, tagID string) (func(itemID string) bool, error) {
	if tagID == "" {
		return func(string) bool { return true }, nil
	}
	ids, err := s.store.TaggedItemIDs(ctx, tagID)
	if err != nil {
		return nil, fmt.Errorf("items matching tag: %w", err)
	}
	tagged := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		tagged[id] = struct{}{}
	}
	return func(itemID string) bool {
		_, ok := tagged[itemID]
		return ok
	}, nil
}

// TagsByItem maps each of itemIDs to the ids of its tags.
func (s *Service) TagsByItem(ctx context.Context, itemIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	links, err := s.store.ListLinks(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list tag links: %w", err)
	}
	for _, link := range links {
		out[link.ItemID] = append(out[link.ItemID], link.TagID)
	}
	return out, nil
}

// ActiveTag resolves the active filter against the current unarchived tags.
func (s *Service) ActiveTag(ctx context.Context, urlParam, storedID string) (string, error) {
	if strings.TrimSpace(urlParam) == "" && storedID == "" {
		return "", nil
	}
	tags, err := s.store.ListTags(ctx, false)
	if err != nil {
		return "", fmt.Errorf("resolve active tag: %w", err)
	}
	return ResolveActiveTag(urlParam, storedID, tags), nil
}

// ResolveActiveTag picks the active tag id. A tag name in the URL wins when
// present: it matches case-insensitively, and when nothing matches no filter
// applies. Without a URL name the stored id is used if it is still known.
// An empty result means no filter.
func ResolveActiveTag(urlParam, storedID string, known []store.Tag) string {
	if name := strings.TrimSpace(urlParam); name != "" {
		for _, tag := range known {
			if strings.EqualFold(tag.Name, name) {
				return tag.ID
			}
		}
		return ""
	}
	if storedID == "" {
		return ""
	}
	for _, tag := range known {
		if tag.ID == storedID {
			return tag.ID
		}
	}
	return ""
}
