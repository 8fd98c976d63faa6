package collection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/threads-autopost/internal/csvimport"
	"github.com/jonathan/threads-autopost/internal/types"
)

var fixedNow = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

type stubSource struct {
	mu      sync.Mutex
	seen    []string
	records map[string][]types.CollectedRecord
	errs    map[string]error
}

func (s *stubSource) Collect(_ context.Context, target types.CollectionTarget) ([]types.CollectedRecord, error) {
	s.mu.Lock()
	s.seen = append(s.seen, target.Source)
	s.mu.Unlock()
	if err := s.errs[target.Source]; err != nil {
		return nil, err
	}
	return s.records[target.Source], nil
}

type runRecorder struct {
	last, next time.Time
}

func (r *runRecorder) RecordCollection(last, next time.Time) {
	r.last, r.next = last, next
}

func record(source, text string, likes int) types.CollectedRecord {
	return types.CollectedRecord{
		CandidateRecord: types.CandidateRecord{PostText: text, Likes: likes, Genre: "game"},
		Source:          source,
	}
}

func newTrigger(t *testing.T, source Source, targets []types.CollectionTarget) (*Trigger, string, *runRecorder) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "inbox")
	rec := &runRecorder{}
	return New(source, Options{
		WatchDir: dir,
		Interval: 8 * time.Hour,
		Targets:  targets,
		Recorder: rec,
		Now:      func() time.Time { return fixedNow },
	}), dir, rec
}

func TestCollect_WritesOneFilePerTarget(t *testing.T) {
	source := &stubSource{records: map[string][]types.CollectedRecord{
		"threads": {record("threads", `text, with "quotes"`, 10), record("threads", "second", 99)},
		"twitter": {record("twitter", "tweet", 5)},
	}}
	trigger, dir, rec := newTrigger(t, source, nil)

	res, err := trigger.Collect(context.Background(), []types.CollectionTarget{
		{Source: "threads", Limit: 5},
		{Source: "twitter", Limit: 5},
		{Source: "instagram", Limit: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCollected)
	assert.Equal(t, fixedNow.Add(8*time.Hour), res.NextRunAt)
	assert.Equal(t, fixedNow, rec.last)
	assert.Equal(t, res.NextRunAt, rec.next)

	require.Len(t, res.Targets, 3)
	assert.Equal(t, filepath.Join(dir, "auto_scraped_threads_1717210800000.csv"), res.Targets[0].File)
	assert.Empty(t, res.Targets[2].File, "no file for an empty target")

	content, err := os.ReadFile(res.Targets[0].File)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "投稿文,画像URL,いいね数,ジャンル\n"))

	parsed, err := csvimport.Normalize(string(content), 10)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "second", parsed[0].PostText)
	assert.Equal(t, `text, with "quotes"`, parsed[1].PostText)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"auto_scraped_threads_1717210800000.csv", "auto_scraped_twitter_1717210800000.csv"}, names)
}

func TestCollect_PartialFailure(t *testing.T) {
	source := &stubSource{
		records: map[string][]types.CollectedRecord{"twitter": {record("twitter", "ok", 1)}},
		errs:    map[string]error{"threads": errors.New("blocked")},
	}
	trigger, _, _ := newTrigger(t, source, nil)

	res, err := trigger.Collect(context.Background(), []types.CollectionTarget{{Source: "threads"}, {Source: "twitter"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalCollected)
	assert.Equal(t, "blocked", res.Targets[0].Error)
	assert.NotEmpty(t, res.Targets[1].File)
}

func TestCollect_DefaultTargets(t *testing.T) {
	source := &stubSource{}
	trigger, _, _ := newTrigger(t, source, nil)

	_, err := trigger.Collect(context.Background(), nil)
	require.NoError(t, err)
	sort.Strings(source.seen)
	assert.Equal(t, []string{"instagram", "threads", "twitter"}, source.seen)
}

func TestCollect_ConfiguredTargets(t *testing.T) {
	source := &stubSource{}
	trigger, _, _ := newTrigger(t, source, []types.CollectionTarget{{Source: "custom"}})

	_, err := trigger.Collect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, source.seen)
}

func TestCollect_SameSourceSameInstant(t *testing.T) {
	source := &stubSource{records: map[string][]types.CollectedRecord{"threads": {record("threads", "x", 1)}}}
	trigger, _, _ := newTrigger(t, source, nil)

	res, err := trigger.Collect(context.Background(), []types.CollectionTarget{{Source: "threads"}, {Source: "threads"}})
	require.NoError(t, err)
	assert.NotEqual(t, res.Targets[0].File, res.Targets[1].File)
	assert.FileExists(t, res.Targets[0].File)
	assert.FileExists(t, res.Targets[1].File)
}

func TestCollect_Cancelled(t *testing.T) {
	trigger, _, rec := newTrigger(t, NewSimulatedSource(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := trigger.Collect(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, rec.next.IsZero())
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "threads", fileSafe("Threads"))
	assert.Equal(t, "my-feed_2", fileSafe("my-feed_2"))
	assert.Equal(t, "ab", fileSafe("a/b"))
	assert.Equal(t, "source", fileSafe("ゲーム"))
}

func TestSimulatedSource(t *testing.T) {
	source := &SimulatedSource{Now: func() time.Time { return fixedNow }}
	target := types.CollectionTarget{Source: "twitter", Keywords: []string{"ビジネス", "マーケティング"}, Limit: 8}

	first, err := source.Collect(context.Background(), target)
	require.NoError(t, err)
	second, err := source.Collect(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same target and instant give the same records")

	require.Len(t, first, 8, "limit caps the batch")
	for _, r := range first {
		assert.Contains(t, target.Keywords, r.Genre)
		assert.Contains(t, r.PostText, r.Genre+"関連の投稿です")
		assert.GreaterOrEqual(t, r.Likes, 50)
		assert.Less(t, r.Likes, 1050)
		assert.Equal(t, "twitter", r.Source)
		assert.Equal(t, fixedNow, r.CollectedAt)
	}
}

func TestSimulatedSource_NoKeywordsNoLimit(t *testing.T) {
	source := &SimulatedSource{Now: func() time.Time { return fixedNow }}
	records, err := source.Collect(context.Background(), types.CollectionTarget{Source: "unknown"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(records), 10)
	assert.Less(t, len(records), 30)
	assert.Equal(t, csvimport.DefaultGenre, records[0].Genre)
}

func TestSimulatedSource_DelayHonoursContext(t *testing.T) {
	source := &SimulatedSource{Delay: time.Minute, Now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := source.Collect(ctx, types.CollectionTarget{Source: "threads"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

const pageHTML = `<html><body>
<article data-likes="120"><p>新作ゲームの攻略まとめ</p><img src="/img/1.png"></article>
<article data-likes="40"><p>今日のランチ</p></article>
<article data-likes="300"><p>ゲーム実況の裏話</p></article>
</body></html>`

func TestWebSource_StaticPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(pageHTML))
	}))
	defer server.Close()

	source := NewWebSource(time.Second, nil)
	source.Render = nil
	source.Now = func() time.Time { return fixedNow }

	records, err := source.Collect(context.Background(), types.CollectionTarget{
		Source:   "blog",
		Keywords: []string{"ゲーム"},
		URL:      server.URL + "/feed",
	})
	require.NoError(t, err)
	require.Len(t, records, 2, "keyword filter drops the unrelated post")
	assert.Equal(t, "新作ゲームの攻略まとめ", records[0].PostText)
	assert.Equal(t, 120, records[0].Likes)
	assert.Equal(t, server.URL+"/img/1.png", records[0].ImageURL)
	assert.Equal(t, "ゲーム", records[0].Genre)
	assert.Equal(t, "blog", records[0].Source)
}

func TestWebSource_RenderFallbackAndLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="root"></div></body></html>`))
	}))
	defer server.Close()

	var rendered []string
	source := &WebSource{
		Render: func(_ context.Context, pageURL, waitSelector string, _ time.Duration, _ *slog.Logger) (string, error) {
			rendered = append(rendered, pageURL+" "+waitSelector)
			return pageHTML, nil
		},
	}

	records, err := source.Collect(context.Background(), types.CollectionTarget{Source: "blog", URL: server.URL, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + " article"}, rendered)
	require.Len(t, records, 2)
	assert.Equal(t, csvimport.DefaultGenre, records[1].Genre)
}

func TestWebSource_BrowserPlatformAndErrors(t *testing.T) {
	source := &WebSource{
		Render: func(context.Context, string, string, time.Duration, *slog.Logger) (string, error) {
			return "", errors.New("chrome not installed")
		},
	}

	_, err := source.Collect(context.Background(), types.CollectionTarget{Source: "threads", URL: "https://www.threads.net/search?q=game"})
	assert.ErrorContains(t, err, "chrome not installed")

	_, err = source.Collect(context.Background(), types.CollectionTarget{Source: "threads"})
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestRouter(t *testing.T) {
	web := &stubSource{}
	fallback := &stubSource{}
	router := &Router{Web: web, Fallback: fallback}

	_, _ = router.Collect(context.Background(), types.CollectionTarget{Source: "page", URL: "https://example.com"})
	_, _ = router.Collect(context.Background(), types.CollectionTarget{Source: "threads"})
	assert.Equal(t, []string{"page"}, web.seen)
	assert.Equal(t, []string{"threads"}, fallback.seen)
}
