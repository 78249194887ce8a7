package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is the full set of routines both store implementations provide.
type backend interface {
	CreateItem(context.Context, Scope, string, Payload) (Item, error)
	CreateItems(context.Context, Scope, string, []Payload) ([]Item, error)
	GetItem(context.Context, string) (Item, error)
	MoveItem(context.Context, string, string, int) (Item, error)
	UpdateItemPayload(context.Context, string, Payload) (Item, error)
	DeleteItem(context.Context, string) (Item, error)
	ListLane(context.Context, Scope, string) ([]Item, error)
	ListItems(context.Context, Scope) ([]Item, error)
	ListAllItems(context.Context) ([]Item, error)
	RenormalizeLane(context.Context, Scope, string) (int, error)
	CreateTag(context.Context, string, func(int) string) (Tag, error)
	GetTag(context.Context, string) (Tag, error)
	ListTags(context.Context, bool) ([]Tag, error)
	UpdateTag(context.Context, string, TagPatch) (Tag, error)
	DeleteTag(context.Context, string) error
	LinkTag(context.Context, string, string) (bool, error)
	UnlinkTag(context.Context, string, string) (bool, error)
	ToggleTag(context.Context, string, string) (bool, error)
	TaggedItemIDs(context.Context, string) ([]string, error)
	ListLinks(context.Context, []string) ([]TagLink, error)
	CreateDoc(context.Context, Doc) (Doc, error)
	GetDoc(context.Context, string) (Doc, error)
	UpdateDoc(context.Context, string, DocPatch) (Doc, error)
	DeleteDoc(context.Context, string) (Doc, error)
	ListDocs(context.Context, string) ([]Doc, error)
	Ping(context.Context) error
}

var (
	_ backend = (*MemoryStore)(nil)
	_ backend = (*PostgresStore)(nil)
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) backend { return NewMemoryStore() })
}

func TestPostgresStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) backend { return NewPostgresStore(testDatabase(t)) })
}

func palette(count int) string {
	return fmt.Sprintf("#%06d", count)
}

func laneIDs(t *testing.T, s backend, scope Scope, lane string) []string {
	t.Helper()
	items, err := s.ListLane(context.Background(), scope, lane)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func runContract(t *testing.T, open func(t *testing.T) backend) {
	ctx := context.Background()
	board := Scope{Kind: KindCard, Partition: "growth"}

	t.Run("create appends increasing keys", func(t *testing.T) {
		s := open(t)
		a, err := s.CreateItem(ctx, board, "inbox", Payload{"title": "A"})
		require.NoError(t, err)
		b, err := s.CreateItem(ctx, board, "inbox", Payload{"title": "B"})
		require.NoError(t, err)
		c, err := s.CreateItem(ctx, board, "inbox", Payload{"title": "C"})
		require.NoError(t, err)

		assert.Equal(t, []float64{0, 1, 2}, []float64{a.OrderKey, b.OrderKey, c.OrderKey})
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, laneIDs(t, s, board, "inbox"))
		assert.Equal(t, "A", a.Payload["title"])
	})

	t.Run("move to front uses first key minus one", func(t *testing.T) {
		s := open(t)
		a, _ := s.CreateItem(ctx, board, "inbox", Payload{"title": "A"})
		b, _ := s.CreateItem(ctx, board, "inbox", Payload{"title": "B"})
		c, _ := s.CreateItem(ctx, board, "inbox", Payload{"title": "C"})

		moved, err := s.MoveItem(ctx, c.ID, "inbox", 0)
		require.NoError(t, err)
		assert.Equal(t, float64(-1), moved.OrderKey)
		assert.Equal(t, []string{c.ID, a.ID, b.ID}, laneIDs(t, s, board, "inbox"))

		untouched, err := s.GetItem(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(0), untouched.OrderKey)
	})

	t.Run("move across lanes bisects neighbours", func(t *testing.T) {
		s := open(t)
		x, _ := s.CreateItem(ctx, board, "todo", nil)
		y, _ := s.CreateItem(ctx, board, "todo", nil)
		z, _ := s.CreateItem(ctx, board, "doing", nil)

		moved, err := s.MoveItem(ctx, z.ID, "todo", 1)
		require.NoError(t, err)
		assert.Equal(t, "todo", moved.Lane)
		assert.Equal(t, 0.5, moved.OrderKey)
		assert.Equal(t, []string{x.ID, z.ID, y.ID}, laneIDs(t, s, board, "todo"))
		assert.Empty(t, laneIDs(t, s, board, "doing"))

		moved, err = s.MoveItem(ctx, z.ID, "empty", 3)
		require.NoError(t, err)
		assert.Equal(t, float64(0), moved.OrderKey)
	})

	t.Run("missing items surface not found", func(t *testing.T) {
		s := open(t)
		_, err := s.MoveItem(ctx, "itm_missing", "inbox", 0)
		assert.True(t, errors.Is(err, ErrNotFound), "move: %v", err)
		_, err = s.DeleteItem(ctx, "itm_missing")
		assert.True(t, errors.Is(err, ErrNotFound), "delete: %v", err)
		_, err = s.UpdateItemPayload(ctx, "itm_missing", Payload{})
		assert.True(t, errors.Is(err, ErrNotFound), "update: %v", err)
	})

	t.Run("bulk create keeps input order", func(t *testing.T) {
		s := open(t)
		items, err := s.CreateItems(ctx, board, "ideas", []Payload{{"title": "1"}, {"title": "2"}, {"title": "3"}})
		require.NoError(t, err)
		require.Len(t, items, 3)
		for i, item := range items {
			assert.Equal(t, float64(i), item.OrderKey)
		}
		more, err := s.CreateItems(ctx, board, "ideas", []Payload{{"title": "4"}})
		require.NoError(t, err)
		assert.Equal(t, float64(3), more[0].OrderKey)
	})

	t.Run("renormalize rewrites keys in order", func(t *testing.T) {
		s := open(t)
		a, _ := s.CreateItem(ctx, board, "inbox", nil)
		b, _ := s.CreateItem(ctx, board, "inbox", nil)
		c, _ := s.CreateItem(ctx, board, "inbox", nil)
		_, err := s.MoveItem(ctx, c.ID, "inbox", 1)
		require.NoError(t, err)

		count, err := s.RenormalizeLane(ctx, board, "inbox")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		items, err := s.ListLane(ctx, board, "inbox")
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID, c.ID, b.ID}, []string{items[0].ID, items[1].ID, items[2].ID})
		assert.Equal(t, []float64{0, 1, 2}, []float64{items[0].OrderKey, items[1].OrderKey, items[2].OrderKey})
	})

	t.Run("moves and renormalize run concurrently", func(t *testing.T) {
		s := open(t)
		var ids []string
		for i := 0; i < 6; i++ {
			lane := "todo"
			if i%2 == 1 {
				lane = "doing"
			}
			item, err := s.CreateItem(ctx, board, lane, nil)
			require.NoError(t, err)
			ids = append(ids, item.ID)
		}

		var wg sync.WaitGroup
		for round := 0; round < 5; round++ {
			for i, id := range ids {
				wg.Add(1)
				go func(id string, n int) {
					defer wg.Done()
					lane := "todo"
					if n%3 == 0 {
						lane = "doing"
					}
					_, err := s.MoveItem(ctx, id, lane, n%3)
					assert.NoError(t, err)
				}(id, i+round)
			}
			for _, lane := range []string{"todo", "doing"} {
				wg.Add(1)
				go func(lane string) {
					defer wg.Done()
					_, err := s.RenormalizeLane(ctx, board, lane)
					assert.NoError(t, err)
				}(lane)
			}
		}
		wg.Wait()

		total := len(laneIDs(t, s, board, "todo")) + len(laneIDs(t, s, board, "doing"))
		assert.Equal(t, len(ids), total)
	})

	t.Run("scopes are isolated", func(t *testing.T) {
		s := open(t)
		_, _ = s.CreateItem(ctx, board, "inbox", nil)
		other, err := s.CreateItem(ctx, Scope{Kind: KindPipeline, Partition: "growth"}, "inbox", nil)
		require.NoError(t, err)
		assert.Equal(t, float64(0), other.OrderKey)

		items, err := s.ListItems(ctx, board)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("tag colors follow tag count", func(t *testing.T) {
		s := open(t)
		first, err := s.CreateTag(ctx, "Launch", palette)
		require.NoError(t, err)
		second, err := s.CreateTag(ctx, "Retention", palette)
		require.NoError(t, err)
		assert.Equal(t, palette(0), first.Color)
		assert.Equal(t, palette(1), second.Color)

		_, err = s.CreateTag(ctx, "launch", palette)
		assert.True(t, errors.Is(err, ErrConflict), "duplicate name: %v", err)
	})

	t.Run("archived tags keep links and free their name", func(t *testing.T) {
		s := open(t)
		tag, _ := s.CreateTag(ctx, "Launch", palette)
		_, err := s.LinkTag(ctx, "itm_x", tag.ID)
		require.NoError(t, err)

		archived := true
		updated, err := s.UpdateTag(ctx, tag.ID, TagPatch{Archived: &archived})
		require.NoError(t, err)
		assert.True(t, updated.Archived)
		assert.Equal(t, "Launch", updated.Name)

		ids, err := s.TaggedItemIDs(ctx, tag.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"itm_x"}, ids)

		active, err := s.ListTags(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, active)

		_, err = s.CreateTag(ctx, "LAUNCH", palette)
		require.NoError(t, err)
	})

	t.Run("link and unlink are idempotent", func(t *testing.T) {
		s := open(t)
		tag, _ := s.CreateTag(ctx, "Launch", palette)

		added, err := s.LinkTag(ctx, "itm_x", tag.ID)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.LinkTag(ctx, "itm_x", tag.ID)
		require.NoError(t, err)
		assert.False(t, added)

		links, err := s.ListLinks(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, links, 1)

		removed, err := s.UnlinkTag(ctx, "itm_y", tag.ID)
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = s.LinkTag(ctx, "itm_x", "tag_missing")
		assert.True(t, errors.Is(err, ErrNotFound), "missing tag: %v", err)
	})

	t.Run("toggle flips state", func(t *testing.T) {
		s := open(t)
		tag, _ := s.CreateTag(ctx, "Launch", palette)

		present, err := s.ToggleTag(ctx, "itm_x", tag.ID)
		require.NoError(t, err)
		assert.True(t, present)
		present, err = s.ToggleTag(ctx, "itm_x", tag.ID)
		require.NoError(t, err)
		assert.False(t, present)
	})

	t.Run("concurrent toggles serialize", func(t *testing.T) {
		s := open(t)
		tag, _ := s.CreateTag(ctx, "Launch", palette)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ToggleTag(ctx, "itm_x", tag.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		ids, err := s.TaggedItemIDs(ctx, tag.ID)
		require.NoError(t, err)
		assert.Empty(t, ids, "an even number of toggles must leave the pair untagged")
	})

	t.Run("delete tag cascades links", func(t *testing.T) {
		s := open(t)
		tag, _ := s.CreateTag(ctx, "Launch", palette)
		keep, _ := s.CreateTag(ctx, "Evergreen", palette)
		_, _ = s.LinkTag(ctx, "itm_x", tag.ID)
		_, _ = s.LinkTag(ctx, "itm_y", tag.ID)
		_, _ = s.LinkTag(ctx, "itm_y", keep.ID)

		require.NoError(t, s.DeleteTag(ctx, tag.ID))

		tags, err := s.ListTags(ctx, true)
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, keep.ID, tags[0].ID)

		links, err := s.ListLinks(ctx, nil)
		require.NoError(t, err)
		for _, link := range links {
			assert.NotEqual(t, tag.ID, link.TagID)
		}
		assert.Len(t, links, 1)

		err = s.DeleteTag(ctx, tag.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "second delete: %v", err)
	})

	t.Run("delete item drops its links", func(t *testing.T) {
		s := open(t)
		item, _ := s.CreateItem(ctx, board, "inbox", nil)
		tag, _ := s.CreateTag(ctx, "Launch", palette)
		_, _ = s.LinkTag(ctx, item.ID, tag.ID)

		_, err := s.DeleteItem(ctx, item.ID)
		require.NoError(t, err)

		links, err := s.ListLinks(ctx, []string{item.ID})
		require.NoError(t, err)
		assert.Empty(t, links)
	})

	t.Run("docs crud", func(t *testing.T) {
		s := open(t)
		doc, err := s.CreateDoc(ctx, Doc{Partition: "growth", Title: "Brief", Body: "Q3 launch brief"})
		require.NoError(t, err)
		assert.NotEmpty(t, doc.ID)

		title := "Launch brief"
		updated, err := s.UpdateDoc(ctx, doc.ID, DocPatch{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, "Launch brief", updated.Title)
		assert.Equal(t, "Q3 launch brief", updated.Body)

		docs, err := s.ListDocs(ctx, "growth")
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		_, err = s.DeleteDoc(ctx, doc.ID)
		require.NoError(t, err)
		_, err = s.GetDoc(ctx, doc.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "get deleted doc: %v", err)
	})
}
