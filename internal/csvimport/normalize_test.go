package csvimport

import (
	"testing"

	"github.com/jonathan/threads-autopost/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func likesOf(records []types.CandidateRecord) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Likes
	}
	return out
}

func TestNormalize_LocalizedHeaders(t *testing.T) {
	raw := "投稿文,画像URL,いいね数,ジャンル\n" +
		"\"first post\",\"https://example.com/a.png\",10,\"game\"\n" +
		"\"second post\",,200,\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "second post", records[0].PostText)
	assert.Equal(t, 200, records[0].Likes)
	assert.Equal(t, DefaultGenre, records[0].Genre)
	assert.Equal(t, "", records[0].ImageURL)

	assert.Equal(t, "first post", records[1].PostText)
	assert.Equal(t, "https://example.com/a.png", records[1].ImageURL)
	assert.Equal(t, "game", records[1].Genre)
}

func TestNormalize_EnglishAliases(t *testing.T) {
	raw := "text,image,likes,category\nhello,https://x/y.jpg,7,news\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.CandidateRecord{PostText: "hello", ImageURL: "https://x/y.jpg", Likes: 7, Genre: "news"}, records[0])
}

func TestNormalize_AliasPriority(t *testing.T) {
	// Localized header wins over the English alias when both exist
	raw := "text,投稿文\nenglish,japanese\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "japanese", records[0].PostText)
}

func TestNormalize_RankingIsStable(t *testing.T) {
	raw := "postText,likes\n" +
		"a,5\n" +
		"b,50\n" +
		"c,5\n" +
		"d,100\n"

	records, err := Normalize(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50, 5}, likesOf(records))
	assert.Equal(t, "a", records[2].PostText, "first of the equal-likes rows survives")
}

func TestNormalize_DefaultTopN(t *testing.T) {
	raw := "postText,likes\n"
	for i := 0; i < 15; i++ {
		raw += "post,1\n"
	}

	records, err := Normalize(raw, 0)
	require.NoError(t, err)
	assert.Len(t, records, DefaultTopN)
}

func TestNormalize_EmbeddedCommasAndQuotes(t *testing.T) {
	raw := "投稿文,いいね数\n\"hello, world \"\"quoted\"\"\",3\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `hello, world "quoted"`, records[0].PostText)
	assert.Equal(t, 3, records[0].Likes)
}

func TestNormalize_UnterminatedQuoteCostsOneLine(t *testing.T) {
	raw := "投稿文,画像URL,いいね数,ジャンル\n\"broken row,,5,g\nsecond good row,,10,g\nthird good row,,20,g\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "third good row", records[0].PostText)
	assert.Equal(t, 20, records[0].Likes)
	assert.Equal(t, "second good row", records[1].PostText)
	assert.Equal(t, 10, records[1].Likes)
}

func TestNormalize_BareQuotesAreKept(t *testing.T) {
	raw := "投稿文,いいね数\nsay \"hi\" now,5\nnext,1\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, `say "hi" now`, records[0].PostText)
	assert.Equal(t, 5, records[0].Likes)
	assert.Equal(t, "next", records[1].PostText)
}

func TestNormalize_MultilineFieldAfterBrokenLine(t *testing.T) {
	raw := "投稿文,いいね数\n\"broken,1\n\"multi\nline\",2\nlast,3\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "last", records[0].PostText)
	assert.Equal(t, "multi\nline", records[1].PostText)
	assert.Equal(t, 2, records[1].Likes)
}

func TestNormalize_LiteralEscapedNewlines(t *testing.T) {
	raw := `投稿文,いいね数\n"one",1\n"two",2\n`

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "two", records[0].PostText)
	assert.Equal(t, "one", records[1].PostText)
}

func TestNormalize_BlankLinesAndEmptyText(t *testing.T) {
	raw := "postText,likes\n\n   ,9\n\"\",4\nkept,1\n\n\n"

	records, err := Normalize(raw, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].PostText)
}

func TestNormalize_LikesParsing(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"42", 42},
		{"1,234", 1234},
		{"120 likes", 120},
		{"abc", 0},
		{"", 0},
		{"-5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLikes(tt.value))
		})
	}
}

func TestNormalize_UnparseableInputIsEmpty(t *testing.T) {
	for _, raw := range []string{"", "\n\n", "   "} {
		records, err := Normalize(raw, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	}
}

func TestNormalize_HeaderOnly(t *testing.T) {
	records, err := Normalize("投稿文,画像URL,いいね数,ジャンル\n", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNormalize_MissingRequiredColumn(t *testing.T) {
	_, err := Normalize("title,likes\nsomething,3\n", 10)
	require.Error(t, err)

	var headerErr *HeaderError
	require.ErrorAs(t, err, &headerErr)
	assert.Equal(t, FieldPostText, headerErr.Field)
	assert.Contains(t, headerErr.Headers, "title")
}

func TestNormalize_ByteOrderMark(t *testing.T) {
	records, err := Normalize("\ufeff投稿文,いいね数\nbom,1\n", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bom", records[0].PostText)
}

func TestNormalize_ShortRows(t *testing.T) {
	records, err := Normalize("投稿文,画像URL,いいね数,ジャンル\nonly text\n", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Likes)
	assert.Equal(t, DefaultGenre, records[0].Genre)
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	in := []types.CandidateRecord{{PostText: "a", Likes: 1}, {PostText: "b", Likes: 2}}
	out := Rank(in, 10)

	assert.Equal(t, "a", in[0].PostText)
	assert.Equal(t, "b", out[0].PostText)
}
