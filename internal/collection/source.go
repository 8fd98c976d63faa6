// Package collection gathers candidate posts from external sources and drops them
// into the watch folder as CSV files for the ingestion pipeline.
package collection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jonathan/threads-autopost/internal/csvimport"
	"github.com/jonathan/threads-autopost/internal/fetch"
	"github.com/jonathan/threads-autopost/internal/types"
)

// ErrNoURL is returned by WebSource for targets without a page URL.
var ErrNoURL = errors.New("target has no url")

// Source returns candidate posts for one target.
type Source interface {
	Collect(ctx context.Context, target types.CollectionTarget) ([]types.CollectedRecord, error)
}

// DefaultTargets is used when a collection run names no targets and none are configured.
func DefaultTargets() []types.CollectionTarget {
	return []types.CollectionTarget{
		{Source: "threads", Keywords: []string{"ゲーム", "エンタメ"}, Limit: 50},
		{Source: "twitter", Keywords: []string{"ビジネス", "マーケティング"}, Limit: 30},
		{Source: "instagram", Keywords: []string{"ライフスタイル", "グルメ"}, Limit: 40},
	}
}

var simulatedTemplates = map[string][]string{
	"threads": {
		"最新のゲーム情報をお届け！",
		"今話題のエンタメニュース",
		"注目のインディーゲーム紹介",
		"週末に遊びたいゲーム特集",
	},
	"twitter": {
		"ビジネストレンド最前線",
		"マーケティング成功事例",
		"起業家インタビュー",
		"最新のビジネスツール紹介",
	},
	"instagram": {
		"おしゃれカフェ巡り",
		"週末グルメ探訪",
		"ライフスタイル提案",
		"インテリアコーディネート",
	},
}

// SimulatedSource produces plausible records without network access. Output is a
// pure function of the target and Now.
type SimulatedSource struct {
	// Delay simulates collection latency
	Delay time.Duration
	// Now is overridable in tests
	Now func() time.Time
}

// NewSimulatedSource creates a SimulatedSource.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{Now: time.Now}
}

// Collect implements Source.
func (s *SimulatedSource) Collect(ctx context.Context, target types.CollectionTarget) ([]types.CollectedRecord, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.Now()
	h := fnv.New64a()
	_, _ = h.Write([]byte(target.Source + "\x00" + strings.Join(target.Keywords, "\x00")))
	r := rand.New(rand.NewSource(int64(h.Sum64()) ^ now.UnixNano()))

	count := 10 + r.Intn(20)
	if target.Limit > 0 {
		count = min(count, target.Limit)
	}

	templates, ok := simulatedTemplates[target.Source]
	if !ok {
		templates = simulatedTemplates["threads"]
	}

	records := make([]types.CollectedRecord, 0, count)
	for i := 0; i < count; i++ {
		genre := csvimport.DefaultGenre
		text := fmt.Sprintf("%s #%d", templates[r.Intn(len(templates))], i+1)
		if len(target.Keywords) > 0 {
			genre = target.Keywords[r.Intn(len(target.Keywords))]
			text += fmt.Sprintf(" - %s関連の投稿です", genre)
		}
		records = append(records, types.CollectedRecord{
			CandidateRecord: types.CandidateRecord{
				PostText: text,
				ImageURL: fmt.Sprintf("https://picsum.photos/400/400?random=%d-%d", now.UnixMilli(), i),
				Likes:    50 + r.Intn(1000),
				Genre:    genre,
			},
			Source:      target.Source,
			CollectedAt: now,
		})
	}
	return records, nil
}

// WebSource scrapes public pages. Targets must carry a URL. Pages on platforms that
// render client-side, or plain fetches that yield no items, go through Render when set.
type WebSource struct {
	Fetch   *fetch.Options
	Render  fetch.RenderFunc
	Timeout time.Duration
	Logger  *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// NewWebSource creates a WebSource that renders with headless Chrome.
func NewWebSource(timeout time.Duration, logger *slog.Logger) *WebSource {
	opts := fetch.DefaultOptions()
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return &WebSource{Fetch: opts, Render: fetch.Render, Timeout: timeout, Logger: logger, Now: time.Now}
}

// Collect implements Source.
func (w *WebSource) Collect(ctx context.Context, target types.CollectionTarget) ([]types.CollectedRecord, error) {
	if target.URL == "" {
		return nil, ErrNoURL
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	platform := fetch.DetectPlatform(target.URL)
	selector := target.Selector
	if selector == "" {
		selector = fetch.ItemSelector(platform)
	}

	var items []fetch.Item
	rendered := false
	if fetch.NeedsBrowser(platform) && w.Render != nil {
		html, err := w.Render(ctx, target.URL, selector, w.Timeout, logger)
		if err != nil {
			return nil, err
		}
		rendered = true
		if items, err = fetch.ExtractItems(html, target.URL, selector, 0); err != nil {
			return nil, err
		}
	} else {
		page, err := fetch.URL(ctx, target.URL, w.Fetch)
		if err != nil {
			return nil, err
		}
		if items, err = fetch.ExtractItems(page.HTML, target.URL, selector, 0); err != nil {
			return nil, err
		}
	}

	if len(items) == 0 && !rendered && w.Render != nil {
		logger.Debug("no items in static page, rendering", "event", "collection_render_fallback",
			"component", "collection", "url", target.URL)
		html, err := w.Render(ctx, target.URL, selector, w.Timeout, logger)
		if err != nil {
			return nil, err
		}
		if items, err = fetch.ExtractItems(html, target.URL, selector, 0); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}

	records := make([]types.CollectedRecord, 0, len(items))
	for _, item := range items {
		genre, ok := matchKeyword(item.Text, target.Keywords)
		if !ok {
			continue
		}
		records = append(records, types.CollectedRecord{
			CandidateRecord: types.CandidateRecord{
				PostText: item.Text,
				ImageURL: item.ImageURL,
				Likes:    item.Likes,
				Genre:    genre,
			},
			Source:      target.Source,
			CollectedAt: now,
		})
		if target.Limit > 0 && len(records) >= target.Limit {
			break
		}
	}
	return records, nil
}

// matchKeyword returns the first keyword text contains. With no keywords every
// text matches under the default genre.
func matchKeyword(text string, keywords []string) (string, bool) {
	if len(keywords) == 0 {
		return csvimport.DefaultGenre, true
	}
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return k, true
		}
	}
	return "", false
}

// Router sends targets with a URL to Web and the rest to Fallback.
type Router struct {
	Web      Source
	Fallback Source
}

// Collect implements Source.
func (r *Router) Collect(ctx context.Context, target types.CollectionTarget) ([]types.CollectedRecord, error) {
	if target.URL != "" && r.Web != nil {
		return r.Web.Collect(ctx, target)
	}
	return r.Fallback.Collect(ctx, target)
}

var (
	_ Source = (*SimulatedSource)(nil)
	_ Source = (*WebSource)(nil)
	_ Source = (*Router)(nil)
)
