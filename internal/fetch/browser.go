package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

// settleDelay gives client-side rendering time to finish after the selector appears.
const settleDelay = 2 * time.Second

// Render loads a page in headless Chrome and returns the rendered HTML once
// waitSelector is present. Requires Chrome or Chromium on the host.
func Render(ctx context.Context, pageURL, waitSelector string, timeout time.Duration, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if waitSelector == "" {
		waitSelector = "body"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger.Debug("starting headless browser", "event", "browser_render_started", "component", "fetch", "url", pageURL)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(DefaultUserAgent),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(waitSelector),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "browser rendering failed", Cause: err}
	}

	logger.Debug("page rendered", "event", "browser_render_completed", "component", "fetch",
		"url", pageURL, "bytes", len(html))
	return html, nil
}

// RenderFunc matches Render so callers can substitute it in tests.
type RenderFunc func(ctx context.Context, pageURL, waitSelector string, timeout time.Duration, logger *slog.Logger) (string, error)

var _ RenderFunc = Render
