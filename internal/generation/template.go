package generation

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jonathan/threads-autopost/internal/types"
)

// Fallback confidence is reported in [minFallbackConfidence, minFallbackConfidence+fallbackConfidenceSpan).
const (
	minFallbackConfidence  = 0.85
	fallbackConfidenceSpan = 0.15
)

var fallbackTemplates = []string{
	"🎮 %s\n\n今話題のゲーム情報をお届け！\n#ゲーム #Gaming #Threads",
	"✨ %s\n\nエンタメ業界の最新トレンドをチェック！\n#エンタメ #Entertainment #話題",
	"🚀 %s\n\n知らなきゃ損する最新情報！\n#トレンド #最新情報 #必見",
	"💡 %s\n\nこれは見逃せない話題です！\n#注目 #シェア拡散希望 #最新",
	"🔥 %s\n\nSNSで話題沸騰中！\n#バズり #拡散希望 #トレンド",
}

var fallbackSuggestions = []string{"ハッシュタグを追加", "絵文字を使用", "改行で読みやすく"}

// TemplateGenerator wraps the source text in one of a fixed set of templates.
// The template and confidence are derived from a hash of the source text, so the
// same input always yields the same output.
type TemplateGenerator struct{}

// NewTemplateGenerator creates the credential-free generator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, sourceText string, _ []types.CandidateRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sourceText = strings.TrimSpace(sourceText)
	h := fnv.New64a()
	_, _ = h.Write([]byte(sourceText))
	sum := h.Sum64()

	template := fallbackTemplates[sum%uint64(len(fallbackTemplates))]
	confidence := minFallbackConfidence + fallbackConfidenceSpan*float64((sum>>8)%1000)/1000

	return Result{
		ImprovedText: fmt.Sprintf(template, sourceText),
		Confidence:   confidence,
		IsFallback:   true,
		Suggestions:  append([]string(nil), fallbackSuggestions...),
	}, nil
}
