package service

import (
	"strings"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

var builtinPrompts = map[models.FieldType]string{
	models.FieldTypeImage: "Describe what this photo shows about the observed specimen. " +
		"Note its condition, visible structures, and anything unusual. Answer as JSON.",
	models.FieldTypeVideo: "Summarize what happens in this video of the observation. " +
		"Note visible changes over time and anything unusual. Answer as JSON.",
}

// PromptTable picks the analysis prompt for a field: the assignment's own
// prompt for that field, then the configured default for its type, then the
// built-in default.
type PromptTable struct {
	defaults map[models.FieldType]string
}

func NewPromptTable(configured map[string]string) PromptTable {
	defaults := make(map[models.FieldType]string, len(builtinPrompts))
	for t, p := range builtinPrompts {
		defaults[t] = p
	}
	for t, p := range configured {
		if p = strings.TrimSpace(p); p != "" {
			defaults[models.FieldType(strings.ToLower(t))] = p
		}
	}
	return PromptTable{defaults: defaults}
}

func (t PromptTable) Resolve(schema *models.FieldSchema, fieldType models.FieldType) string {
	if schema != nil {
		if p := strings.TrimSpace(schema.Prompt); p != "" {
			return p
		}
	}
	return t.defaults[fieldType]
}
