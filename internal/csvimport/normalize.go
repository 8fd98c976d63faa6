// Package csvimport turns exported "popular posts" CSV files into ranked candidate records
// and writes candidate records back out in the canonical CSV shape.
package csvimport

import (
	"encoding/csv"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/jonathan/threads-autopost/internal/types"
)

// DefaultTopN is the number of candidates kept after ranking when no limit is configured.
const DefaultTopN = 10

// DefaultGenre is used when a row carries no genre.
const DefaultGenre = "general"

// Logical fields resolved from the header row.
const (
	FieldPostText = "postText"
	FieldImageURL = "imageUrl"
	FieldLikes    = "likes"
	FieldGenre    = "genre"
)

// Canonical (localized) header names, also used by Write.
const (
	HeaderPostText = "投稿文"
	HeaderImageURL = "画像URL"
	HeaderLikes    = "いいね数"
	HeaderGenre    = "ジャンル"
)

// aliases lists the accepted header names per logical field in priority order.
var aliases = []struct {
	field string
	names []string
}{
	{FieldPostText, []string{HeaderPostText, "postText", "text"}},
	{FieldImageURL, []string{HeaderImageURL, "imageUrl", "image"}},
	{FieldLikes, []string{HeaderLikes, "likes"}},
	{FieldGenre, []string{HeaderGenre, "genre", "category"}},
}

// columns maps logical fields to their column index in one file; -1 means absent.
type columns map[string]int

func (c columns) value(row []string, field string) string {
	idx, ok := c[field]
	if !ok || idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Normalize parses raw CSV text and returns at most topN candidates ordered by likes,
// highest first. Rows with equal likes keep their input order.
//
// Unparseable or empty input yields an empty slice and no error. A header row that
// has no postText column is reported as a *HeaderError.
func Normalize(raw string, topN int) ([]types.CandidateRecord, error) {
	records, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Rank(records, topN), nil
}

// Parse extracts candidate records in input order, dropping rows without post text.
func Parse(raw string) ([]types.CandidateRecord, error) {
	content := unescapeLineBreaks(strings.TrimPrefix(raw, "\ufeff"))

	rows := readRows(content)
	if len(rows) == 0 || blankRow(rows[0]) {
		// Nothing usable in the file
		return []types.CandidateRecord{}, nil
	}

	cols, err := resolveColumns(rows[0])
	if err != nil {
		return nil, err
	}

	records := make([]types.CandidateRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		text := cols.value(row, FieldPostText)
		if text == "" {
			continue
		}

		genre := cols.value(row, FieldGenre)
		if genre == "" {
			genre = DefaultGenre
		}

		records = append(records, types.CandidateRecord{
			PostText: text,
			ImageURL: cols.value(row, FieldImageURL),
			Likes:    parseLikes(cols.value(row, FieldLikes)),
			Genre:    genre,
		})
	}

	return records, nil
}

// Rank orders records by likes descending (stable) and keeps the first topN.
// A non-positive topN falls back to DefaultTopN.
func Rank(records []types.CandidateRecord, topN int) []types.CandidateRecord {
	if topN <= 0 {
		topN = DefaultTopN
	}

	ranked := make([]types.CandidateRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Likes > ranked[j].Likes
	})

	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// readRows reads every row with strict quoting. Broken quoting costs only the physical
// line the bad row starts on. Strict reading resumes on the line after it.
func readRows(content string) [][]string {
	var rows [][]string
	for content != "" {
		reader := newReader(content, false)

		broken := 0
		for broken == 0 {
			row, err := reader.Read()
			if err == nil {
				rows = append(rows, row)
				continue
			}
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) || !isQuoteError(parseErr.Err) {
				// io.EOF, or a failure we cannot step past
				return rows
			}
			broken = max(parseErr.StartLine, 1)
		}

		var line string
		line, content = cutLine(content, broken)
		if row := salvageLine(line); row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func newReader(content string, lazy bool) *csv.Reader {
	reader := csv.NewReader(strings.NewReader(content))
	reader.LazyQuotes = lazy
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader
}

func isQuoteError(err error) bool {
	return errors.Is(err, csv.ErrQuote) || errors.Is(err, csv.ErrBareQuote)
}

// cutLine returns the n-th (1-based) line of content and everything after it.
func cutLine(content string, n int) (line, rest string) {
	for i := 1; i < n; i++ {
		_, after, found := strings.Cut(content, "\n")
		if !found {
			return "", ""
		}
		content = after
	}
	line, rest, _ = strings.Cut(content, "\n")
	return line, rest
}

// salvageLine reads a single malformed line leniently. A line with an unbalanced
// quote is an unterminated field and is dropped.
func salvageLine(line string) []string {
	if strings.Count(line, `"`)%2 != 0 {
		return nil
	}
	row, err := newReader(line, true).Read()
	if err != nil {
		return nil
	}
	return row
}

// resolveColumns matches the header row against the alias table once per file.
func resolveColumns(header []string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.Trim(strings.TrimSpace(name), `"`)
		if _, seen := index[name]; !seen {
			index[name] = i
		}
	}

	cols := make(columns, len(aliases))
	for _, alias := range aliases {
		cols[alias.field] = -1
		for _, name := range alias.names {
			if idx, ok := index[name]; ok {
				cols[alias.field] = idx
				break
			}
		}
	}

	if cols[FieldPostText] < 0 {
		cleaned := make([]string, len(header))
		for i, h := range header {
			cleaned[i] = strings.TrimSpace(h)
		}
		return nil, &HeaderError{Field: FieldPostText, Headers: cleaned}
	}
	return cols, nil
}

// unescapeLineBreaks converts literal "\n" and "\r" sequences emitted by some
// scraper exports into real line breaks.
func unescapeLineBreaks(content string) string {
	content = strings.ReplaceAll(content, `\r`, "\r")
	return strings.ReplaceAll(content, `\n`, "\n")
}

// parseLikes reads the leading integer of a likes cell ("1,234" and "120 likes" both work).
// Anything without a leading number counts as zero.
func parseLikes(value string) int {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(value[:end])
	if err != nil {
		return 0
	}
	return n
}
