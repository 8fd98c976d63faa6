package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_GenerationResponse(t *testing.T) {
	err := Validate(GenerationResponse, `{"improved_text": "🎮 新作ゲーム", "confidence": 0.92, "suggestions": ["絵文字を使用"]}`)
	assert.NoError(t, err)
}

func TestValidate_GenerationResponse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing text", `{"confidence": 0.5}`, "(root)"},
		{"empty text", `{"improved_text": "", "confidence": 0.5}`, "improved_text"},
		{"confidence too high", `{"improved_text": "x", "confidence": 1.5}`, "confidence"},
		{"confidence wrong type", `{"improved_text": "x", "confidence": "high"}`, "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(GenerationResponse, tt.doc)
			require.Error(t, err)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			require.NotEmpty(t, validationErr.Errors)
			assert.Equal(t, tt.field, validationErr.Errors[0].Field)
		})
	}
}

func TestValidate_NotJSON(t *testing.T) {
	err := Validate(GenerationResponse, `not json`)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("missing.schema.json", `{}`)
	var loadErr *SchemaLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Contains(t, err.Error(), "missing.schema.json")
}
