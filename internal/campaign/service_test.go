package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/store"
)

type countingStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	taggedReads int
}

func (c *countingStore) TaggedItemIDs(ctx context.Context, tagID string) ([]string, error) {
	c.mu.Lock()
	c.taggedReads++
	c.mu.Unlock()
	return c.MemoryStore.TaggedItemIDs(ctx, tagID)
}

func newTestService() (*Service, *countingStore, *reactive.Hub) {
	backing := &countingStore{MemoryStore: store.NewMemoryStore()}
	hub := reactive.NewHub()
	return NewService(backing, hub), backing, hub
}

func links(t *testing.T, s *countingStore) []string {
	t.Helper()
	all, err := s.ListLinks(context.Background(), nil)
	require.NoError(t, err)
	out := make([]string, len(all))
	for i, link := range all {
		out[i] = link.ItemID + "/" + link.TagID
	}
	return out
}

func TestLaunchTagFiltersItems(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	launch, err := svc.CreateTag(ctx, "  Launch ")
	require.NoError(t, err)
	assert.Equal(t, "Launch", launch.Name)
	assert.Equal(t, Palette[0], launch.Color)

	require.NoError(t, svc.Tag(ctx, "X", launch.ID))

	matching, err := svc.ItemsMatching(ctx, launch.ID)
	require.NoError(t, err)
	assert.True(t, matching("X"))
	assert.False(t, matching("Y"))

	everything, err := svc.ItemsMatching(ctx, "")
	require.NoError(t, err)
	assert.True(t, everything("Y"))
}

func TestColorsRoundRobin(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	for i := 0; i < len(Palette)+1; i++ {
		tag, err := svc.CreateTag(ctx, string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, Palette[i%len(Palette)], tag.Color)
	}
	assert.Equal(t, Palette[0], ColorFor(-3))
}

func TestCreateTagValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateTag(ctx, " \n ")
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)
	_, err = svc.CreateTag(ctx, "LAUNCH")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestTaggingIsIdempotent(t *testing.T) {
	svc, backing, hub := newTestService()
	ctx := context.Background()
	tag, err := svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)
	sub := hub.Subscribe(reactive.TagsTopic)
	defer sub.Close()

	require.NoError(t, svc.Tag(ctx, "X", tag.ID))
	once := links(t, backing)
	<-sub.C
	require.NoError(t, svc.Tag(ctx, "X", tag.ID))
	assert.Equal(t, once, links(t, backing))
	select {
	case <-sub.C:
		t.Fatal("a no-op tag should not notify")
	default:
	}

	require.NoError(t, svc.Untag(ctx, "Y", tag.ID))
	assert.Equal(t, once, links(t, backing))

	require.NoError(t, svc.Untag(ctx, "X", tag.ID))
	assert.Empty(t, links(t, backing))
}

func TestToggleRoundTrips(t *testing.T) {
	svc, backing, _ := newTestService()
	ctx := context.Background()
	tag, err := svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)

	for _, start := range []bool{false, true} {
		if start {
			require.NoError(t, svc.Tag(ctx, "X", tag.ID))
		}
		original := links(t, backing)
		first, err := svc.Toggle(ctx, "X", tag.ID)
		require.NoError(t, err)
		assert.Equal(t, !start, first)
		second, err := svc.Toggle(ctx, "X", tag.ID)
		require.NoError(t, err)
		assert.Equal(t, start, second)
		assert.Equal(t, original, links(t, backing))
	}
}

func TestDeleteTagCascades(t *testing.T) {
	svc, backing, _ := newTestService()
	ctx := context.Background()
	launch, _ := svc.CreateTag(ctx, "Launch")
	other, _ := svc.CreateTag(ctx, "Evergreen")
	require.NoError(t, svc.Tag(ctx, "X", launch.ID))
	require.NoError(t, svc.Tag(ctx, "Y", launch.ID))
	require.NoError(t, svc.Tag(ctx, "Y", other.ID))

	require.NoError(t, svc.DeleteTag(ctx, launch.ID))

	tags, err := svc.ListTags(ctx, true)
	require.NoError(t, err)
	for _, tag := range tags {
		assert.NotEqual(t, launch.ID, tag.ID)
	}
	assert.Equal(t, []string{"Y/" + other.ID}, links(t, backing))

	_, err = svc.ItemsMatching(ctx, launch.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "%v", err)
}

func TestArchiveKeepsLinks(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	tag, _ := svc.CreateTag(ctx, "Launch")
	require.NoError(t, svc.Tag(ctx, "X", tag.ID))

	archived := true
	updated, err := svc.UpdateTag(ctx, tag.ID, store.TagPatch{Archived: &archived})
	require.NoError(t, err)
	assert.True(t, updated.Archived)
	assert.Equal(t, tag.Color, updated.Color)

	matching, err := svc.ItemsMatching(ctx, tag.ID)
	require.NoError(t, err)
	assert.True(t, matching("X"))

	active, err := svc.ListTags(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateTagValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	tag, _ := svc.CreateTag(ctx, "Launch")

	blank := "  "
	_, err := svc.UpdateTag(ctx, tag.ID, store.TagPatch{Name: &blank})
	assert.ErrorIs(t, err, ErrInvalidInput)

	color := "teal"
	_, err = svc.UpdateTag(ctx, tag.ID, store.TagPatch{Color: &color})
	assert.ErrorIs(t, err, ErrInvalidInput)

	name := " Relaunch "
	updated, err := svc.UpdateTag(ctx, tag.ID, store.TagPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Relaunch", updated.Name)

	_, err = svc.UpdateTag(ctx, "tag_missing", store.TagPatch{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmptyFilterSkipsStoreRead(t *testing.T) {
	svc, backing, _ := newTestService()
	_, err := svc.ItemsMatching(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, backing.taggedReads)
}

func TestTagWithUnknownTagIsNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	err := svc.Tag(context.Background(), "X", "tag_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = svc.Tag(context.Background(), "", "tag_missing")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTagsByItem(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.CreateTag(ctx, "A")
	b, _ := svc.CreateTag(ctx, "B")
	require.NoError(t, svc.Tag(ctx, "X", a.ID))
	require.NoError(t, svc.Tag(ctx, "X", b.ID))
	require.NoError(t, svc.Tag(ctx, "Z", b.ID))

	byItem, err := svc.TagsByItem(ctx, []string{"X", "Y"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, byItem["X"])
	assert.Empty(t, byItem["Y"])
	assert.NotContains(t, byItem, "Z")
}

func TestResolveActiveTag(t *testing.T) {
	known := []store.Tag{{ID: "tag_1", Name: "Launch"}, {ID: "tag_2", Name: "Retention"}}

	cases := []struct {
		name     string
		urlParam string
		storedID string
		want     string
	}{
		{"url wins", "launch", "tag_2", "tag_1"},
		{"url trimmed", "  RETENTION ", "", "tag_2"},
		{"unknown url ignores stored", "Holiday", "tag_2", ""},
		{"stored fallback", "", "tag_2", "tag_2"},
		{"stale stored", "", "tag_9", ""},
		{"nothing", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveActiveTag(tc.urlParam, tc.storedID, known))
		})
	}
}

func TestActiveTagIgnoresArchived(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	tag, _ := svc.CreateTag(ctx, "Launch")

	id, err := svc.ActiveTag(ctx, "LAUNCH", "")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, id)

	archived := true
	_, err = svc.UpdateTag(ctx, tag.ID, store.TagPatch{Archived: &archived})
	require.NoError(t, err)

	id, err = svc.ActiveTag(ctx, "", tag.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}
