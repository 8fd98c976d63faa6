package csvimport

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/jonathan/threads-autopost/internal/types"
)

// Write emits records in the canonical CSV shape: localized header row, real newlines,
// and text values wrapped in quotes with embedded quotes doubled.
func Write(w io.Writer, records []types.CandidateRecord) error {
	bw := bufio.NewWriter(w)

	header := strings.Join([]string{HeaderPostText, HeaderImageURL, HeaderLikes, HeaderGenre}, ",")
	if _, err := bw.WriteString(header); err != nil {
		return err
	}

	for _, r := range records {
		line := strings.Join([]string{
			quote(r.PostText),
			quote(r.ImageURL),
			strconv.Itoa(r.Likes),
			quote(r.Genre),
		}, ",")
		if _, err := bw.WriteString("\n" + line); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Format is Write into a string.
func Format(records []types.CandidateRecord) string {
	var sb strings.Builder
	_ = Write(&sb, records)
	return sb.String()
}

func quote(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
