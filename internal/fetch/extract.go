package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultItemSelector matches one post per element when a target sets no selector.
const DefaultItemSelector = "article"

// Item is one post extracted from a page.
type Item struct {
	Text     string
	ImageURL string
	Likes    int
}

// likeSelectors locate an element's like count, most specific first.
var likeSelectors = []string{"[data-likes]", ".likes", ".like-count", "[aria-label*='いいね']", "[aria-label*='like']"}

// noiseSelectors are removed from an item before its text is read.
const noiseSelectors = "script, style, noscript, button, nav, footer, time, .likes, .like-count, [data-likes]"

// ExtractItems parses html and returns up to limit items matched by selector.
// Relative image URLs are resolved against baseURL. Items without text are skipped.
// A limit of zero or less returns every item.
func ExtractItems(html, baseURL, selector string, limit int) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	if selector == "" {
		selector = DefaultItemSelector
	}
	base, _ := url.Parse(baseURL)

	var items []Item
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		item := Item{
			Likes:    likesOf(s),
			ImageURL: imageOf(s, base),
		}

		content := s.Clone()
		content.Find(noiseSelectors).Remove()
		item.Text = cleanWhitespace(content.Text())
		if item.Text == "" {
			return true
		}

		items = append(items, item)
		return limit <= 0 || len(items) < limit
	})
	return items, nil
}

func likesOf(s *goquery.Selection) int {
	if v, ok := s.Attr("data-likes"); ok {
		return ParseCount(v)
	}
	for _, sel := range likeSelectors {
		found := s.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		if v, ok := found.Attr("data-likes"); ok {
			return ParseCount(v)
		}
		if v := strings.TrimSpace(found.Text()); v != "" {
			return ParseCount(v)
		}
		if v, ok := found.Attr("aria-label"); ok {
			return ParseCount(v)
		}
	}
	return 0
}

func imageOf(s *goquery.Selection, base *url.URL) string {
	src, ok := s.Find("img[src]").First().Attr("src")
	if !ok || strings.HasPrefix(src, "data:") {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	return ref.String()
}

var countPattern = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)\s*([kKmM万千]?)`)

// ParseCount reads an engagement count such as "1,234", "1.2K", "3.4万" or
// "1,024 likes". Unreadable values are zero.
func ParseCount(value string) int {
	m := countPattern.FindStringSubmatch(value)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "k", "K", "千":
		n *= 1_000
	case "m", "M":
		n *= 1_000_000
	case "万":
		n *= 10_000
	}
	return int(n)
}

// cleanWhitespace trims every line and drops blank ones.
func cleanWhitespace(text string) string {
	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
