package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/threads-autopost/internal/types"
)

// base is a fixed instant with microsecond precision so round trips compare exactly.
var base = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newPost(text string, scheduled time.Time) types.Post {
	return types.Post{
		Text:          text,
		ImageURLs:     []string{},
		Genre:         "general",
		ScheduledTime: scheduled,
		Status:        types.StatusPending,
		ConceptSource: types.SourceCSVImport,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

// runStoreContract exercises every Store method. Each backend test calls it with a fresh store.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("save and get", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		p := newPost("hello", base.Add(time.Hour))
		p.ImageURLs = []string{"https://img.example/1.png", "https://img.example/2.png"}
		p.ReferencePost = "original"
		posts := []types.Post{p}
		require.NoError(t, store.SavePosts(ctx, posts))
		require.NotEmpty(t, posts[0].ID, "ids are assigned in place")

		got, err := store.GetPost(ctx, posts[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Text)
		assert.Equal(t, p.ImageURLs, got.ImageURLs)
		assert.Equal(t, "original", got.ReferencePost)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.True(t, got.ScheduledTime.Equal(base.Add(time.Hour)))
		assert.Nil(t, got.BufferSentTime)
	})

	t.Run("get missing", func(t *testing.T) {
		store := open(t)
		_, err := store.GetPost(context.Background(), "does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("batch is atomic", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		dup := newPost("first", base)
		dup.ID = "fixed-id"
		require.NoError(t, store.SavePosts(ctx, []types.Post{dup}))

		other := newPost("second", base)
		again := newPost("third", base)
		again.ID = "fixed-id"
		assert.Error(t, store.SavePosts(ctx, []types.Post{other, again}))

		n, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "the failed batch left nothing behind")
	})

	t.Run("due posts ordered and capped", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		var posts []types.Post
		for i := 6; i >= 0; i-- {
			posts = append(posts, newPost(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Minute)))
		}
		require.NoError(t, store.SavePosts(ctx, posts))

		due, err := store.DuePendingPosts(ctx, base.Add(10*time.Minute), 5)
		require.NoError(t, err)
		require.Len(t, due, 5)
		for i, p := range due {
			assert.Equal(t, fmt.Sprintf("p%d", i), p.Text)
		}

		due, err = store.DuePendingPosts(ctx, base.Add(2*time.Minute), 5)
		require.NoError(t, err)
		assert.Len(t, due, 3, "boundary is inclusive")
	})

	t.Run("status transitions only from pending", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		posts := []types.Post{newPost("a", base), newPost("b", base)}
		require.NoError(t, store.SavePosts(ctx, posts))
		a, b := posts[0].ID, posts[1].ID

		sent := base.Add(5 * time.Minute)
		require.NoError(t, store.MarkScheduled(ctx, a, sent, "remote-1"))
		require.NoError(t, store.MarkFailed(ctx, b, "rejected", sent))

		assert.ErrorIs(t, store.MarkScheduled(ctx, a, sent, "remote-2"), ErrNotPending)
		assert.ErrorIs(t, store.MarkFailed(ctx, a, "late", sent), ErrNotPending)
		assert.ErrorIs(t, store.MarkScheduled(ctx, b, sent, "remote-3"), ErrNotPending)
		assert.ErrorIs(t, store.MarkScheduled(ctx, "missing", sent, "x"), ErrNotFound)

		gotA, err := store.GetPost(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, types.StatusScheduled, gotA.Status)
		assert.Equal(t, "remote-1", gotA.RemoteID)
		require.NotNil(t, gotA.BufferSentTime)
		assert.True(t, gotA.BufferSentTime.Equal(sent))

		gotB, err := store.GetPost(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, gotB.Status)
		assert.Equal(t, "rejected", gotB.LastError)
		assert.Nil(t, gotB.BufferSentTime)
	})

	t.Run("requeue edit returns post to pending", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		posts := []types.Post{newPost("a", base)}
		require.NoError(t, store.SavePosts(ctx, posts))
		id := posts[0].ID
		require.NoError(t, store.MarkFailed(ctx, id, "boom", base))

		text := "edited"
		later := base.Add(3 * time.Hour)
		now := base.Add(time.Minute)

		// A plain edit keeps the status
		updated, err := store.UpdatePost(ctx, id, types.PostEdit{Text: &text}, now)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, updated.Status)
		assert.Equal(t, "edited", updated.Text)

		updated, err = store.UpdatePost(ctx, id, types.PostEdit{ScheduledTime: &later, ImageURLs: []string{"u"}, Requeue: true}, now)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, updated.Status)
		assert.Empty(t, updated.LastError)

		got, err := store.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, []string{"u"}, got.ImageURLs)
		assert.True(t, got.ScheduledTime.Equal(later))
		assert.True(t, got.UpdatedAt.Equal(now))
		assert.True(t, got.CreatedAt.Equal(base))

		_, err = store.UpdatePost(ctx, "missing", types.PostEdit{Text: &text}, now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list and delete", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		older := newPost("older", base)
		newer := newPost("newer", base)
		newer.CreatedAt = base.Add(time.Hour)
		posts := []types.Post{older, newer}
		require.NoError(t, store.SavePosts(ctx, posts))
		require.NoError(t, store.MarkScheduled(ctx, posts[0].ID, base, "r"))

		all, err := store.ListPosts(ctx, PostFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "newer", all[0].Text)

		pending, err := store.ListPosts(ctx, PostFilter{Status: types.StatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "newer", pending[0].Text)

		require.NoError(t, store.DeletePost(ctx, posts[1].ID))
		assert.ErrorIs(t, store.DeletePost(ctx, posts[1].ID), ErrNotFound)

		all, err = store.ListPosts(ctx, PostFilter{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("pending aggregates", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		next, err := store.NextPendingTime(ctx)
		require.NoError(t, err)
		assert.Nil(t, next)

		posts := []types.Post{newPost("late", base.Add(2*time.Hour)), newPost("soon", base.Add(time.Hour))}
		require.NoError(t, store.SavePosts(ctx, posts))

		n, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		next, err = store.NextPendingTime(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(base.Add(time.Hour)))
	})

	t.Run("ledger is idempotent", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		done, err := store.IsFileProcessed(ctx, "popular.csv")
		require.NoError(t, err)
		assert.False(t, done)

		inserted, err := store.MarkFileProcessed(ctx, "popular.csv", 3, base)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.MarkFileProcessed(ctx, "popular.csv", 9, base.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, inserted)

		done, err = store.IsFileProcessed(ctx, "popular.csv")
		require.NoError(t, err)
		assert.True(t, done)

		files, err := store.ListProcessedFiles(ctx, 0)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, 3, files[0].PostsGenerated, "the first entry wins")
	})

	t.Run("ledger under concurrent inserts", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.MarkFileProcessed(ctx, "race.csv", 1, base)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("logs", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		entries := []types.LogEntry{
			{Action: types.ActionScrapingStarted, Status: types.LogInfo, Message: "start", CreatedAt: base},
			{Action: types.ActionCSVProcessed, Status: types.LogSuccess, Message: "ok", Data: json.RawMessage(`{"count":2}`), CreatedAt: base},
			{Action: types.ActionScrapingCompleted, Status: types.LogSuccess, Message: "done", CreatedAt: base},
		}
		for i := range entries {
			require.NoError(t, store.AppendLog(ctx, &entries[i]))
			assert.NotZero(t, entries[i].ID)
		}

		all, err := store.ListLogs(ctx, LogFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "done", all[0].Message, "newest first")
		assert.JSONEq(t, `{"count":2}`, string(all[1].Data))
		assert.Nil(t, all[2].Data)

		scraping, err := store.ListLogs(ctx, LogFilter{Action: "scraping", Limit: 1})
		require.NoError(t, err)
		require.Len(t, scraping, 1)
		assert.Equal(t, types.ActionScrapingCompleted, scraping[0].Action)
	})
}
