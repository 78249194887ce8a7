package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"opsdesk/api/internal/reactive"
	"opsdesk/api/internal/store"
)

type recordingNotifier struct {
	topics []string
}

func (r *recordingNotifier) Notify(_ context.Context, topics ...string) {
	r.topics = append(r.topics, topics...)
}

var growthCards = store.Scope{Kind: store.KindCard, Partition: "growth"}

func TestWritesAnnounceTheirTopics(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	svc := New(store.NewMemoryStore(), reactive.NewHub(), Options{Notifier: notifier})

	item, err := svc.CreateItem(ctx, growthCards, "todo", store.Payload{"title": "A"})
	require.NoError(t, err)
	tag, err := svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)
	require.NoError(t, svc.TagItem(ctx, tag.ID, item.ID))
	require.NoError(t, svc.DeleteItem(ctx, item.ID))
	doc, err := svc.CreateDoc(ctx, "growth", "Brief", "")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteDoc(ctx, doc.ID))

	items := reactive.ItemsTopic(store.KindCard, "growth")
	docs := reactive.DocsTopic("growth")
	assert.Equal(t, []string{items, reactive.TagsTopic, reactive.TagsTopic, items, reactive.TagsTopic, docs, docs}, notifier.topics)
}

func TestFailedWritesAnnounceNothing(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	svc := New(store.NewMemoryStore(), reactive.NewHub(), Options{Notifier: notifier})

	_, err := svc.CreateItem(ctx, growthCards, "todo", store.Payload{})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	assert.ErrorIs(t, svc.DeleteItem(ctx, "missing"), store.ErrNotFound)
	_, err = svc.UpdateDoc(ctx, "missing", store.DocPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, notifier.topics)
}

// vanishingTagStore behaves as if every tag is deleted between resolving it
// and reading its links.
type vanishingTagStore struct {
	*store.MemoryStore
}

func (v *vanishingTagStore) TaggedItemIDs(_ context.Context, tagID string) ([]string, error) {
	return nil, fmt.Errorf("tag %s: %w", tagID, store.ErrNotFound)
}

func TestBoardIgnoresTagDeletedMidRead(t *testing.T) {
	ctx := context.Background()
	svc := New(&vanishingTagStore{MemoryStore: store.NewMemoryStore()}, reactive.NewHub(), Options{})
	a, err := svc.CreateItem(ctx, growthCards, "todo", store.Payload{"title": "A"})
	require.NoError(t, err)
	_, err = svc.CreateItem(ctx, growthCards, "todo", store.Payload{"title": "B"})
	require.NoError(t, err)
	tag, err := svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)
	require.NoError(t, svc.TagItem(ctx, tag.ID, a.ID))

	board, err := svc.Board(ctx, BoardQuery{Scope: growthCards, TagName: "launch"})
	require.NoError(t, err)
	assert.Empty(t, board.ActiveTag)
	assert.Equal(t, []string{"A", "B"}, laneTitles(board, "todo"))
}

func TestWatchBoardFollowsTagChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	ctx, cancel := context.WithCancel(context.Background())
	svc := New(store.NewMemoryStore(), reactive.NewHub(), Options{})
	a, err := svc.CreateItem(ctx, growthCards, "todo", store.Payload{"title": "A"})
	require.NoError(t, err)
	_, err = svc.CreateItem(ctx, growthCards, "todo", store.Payload{"title": "B"})
	require.NoError(t, err)
	tag, err := svc.CreateTag(ctx, "Launch")
	require.NoError(t, err)

	updates := svc.WatchBoard(ctx, BoardQuery{Scope: growthCards, TagName: "launch"})
	next := func() Board {
		t.Helper()
		select {
		case result := <-updates:
			require.NoError(t, result.Err)
			return result.Value
		case <-time.After(2 * time.Second):
			t.Fatal("no board update")
			return Board{}
		}
	}

	assert.Empty(t, laneTitles(next(), "todo"))

	require.NoError(t, svc.TagItem(ctx, tag.ID, a.ID))
	assert.Equal(t, []string{"A"}, laneTitles(next(), "todo"))

	cancel()
	for range updates {
	}
}

func TestBoardKeepsLaneOrderAcrossLanes(t *testing.T) {
	ctx := context.Background()
	svc := New(store.NewMemoryStore(), reactive.NewHub(), Options{})
	for _, card := range []struct{ lane, title string }{
		{"todo", "A"}, {"doing", "B"}, {"todo", "C"}, {"done", "D"},
	} {
		_, err := svc.CreateItem(ctx, growthCards, card.lane, store.Payload{"title": card.title})
		require.NoError(t, err)
	}

	board, err := svc.Board(ctx, BoardQuery{Scope: growthCards})
	require.NoError(t, err)
	names := make([]string, len(board.Lanes))
	for i, lane := range board.Lanes {
		names[i] = lane.Name
	}
	assert.Equal(t, []string{"doing", "done", "todo"}, names)
	assert.Equal(t, []string{"A", "C"}, laneTitles(board, "todo"))
}
