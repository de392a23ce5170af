package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/vector"
)

// completer is the slice of the LLM client the analyzer needs.
type completer interface {
	CompleteStructured(ctx context.Context, task, schemaKey string, messages []openai.ChatCompletionMessage, out any) (*llm.Completion, error)
}

// SchemaAnalyzer classifies raw spreadsheet tabs with an LLM and emits vector
// documents directly, so new tabs work without code changes. Any failure makes
// the registry fall back to the hardcoded projection.
type SchemaAnalyzer struct {
	llm completer
}

// NewSchemaAnalyzer creates an analyzer over the structured LLM client.
func NewSchemaAnalyzer(llmClient completer) *SchemaAnalyzer {
	return &SchemaAnalyzer{llm: llmClient}
}

// sampleRows bounds how much of each tab goes into the classification prompt.
const sampleRows = 5

var validCategories = map[string]bool{
	CategoryBranchInfo: true,
	CategoryProduct:    true,
	CategoryFAQ:        true,
	CategoryCanned:     true,
	CategoryKnowledge:  true,
}

// Analyze classifies each tab into a vector category and projects every data
// row as one document built from the tab's content column plus the rest of
// the row.
func (a *SchemaAnalyzer) Analyze(ctx context.Context, tabs map[string][][]string, ttls map[string]time.Duration) ([]vector.Document, error) {
	if len(tabs) == 0 {
		return nil, errors.New("no tabs to analyze")
	}

	var out llm.TabClassification
	if _, err := a.llm.CompleteStructured(ctx, "schema_analyze", "sheet_schema_analysis",
		classifyPrompt(tabs), &out); err != nil {
		return nil, errors.Wrap(err, "tab classification failed")
	}
	if len(out.Tabs) == 0 {
		return nil, errors.New("tab classification returned no tabs")
	}

	var docs []vector.Document
	for _, classified := range out.Tabs {
		raw, ok := tabs[classified.Title]
		if !ok || !validCategories[classified.Category] {
			continue
		}
		t := newTabRows(raw)
		for _, row := range t.rows {
			content := t.get(row, strings.ToLower(classified.Column))
			if content == "" {
				content = joinFields(row...)
			}
			if strings.TrimSpace(content) == "" {
				continue
			}
			docs = append(docs, vector.Document{
				Content:  content,
				Category: classified.Category,
				Source:   SourceConfigHub,
				Metadata: map[string]any{"tab": classified.Title},
				TTL:      ttls[classified.Category],
			})
		}
	}
	if len(docs) == 0 {
		return nil, errors.New("tab classification produced no documents")
	}
	return docs, nil
}

func classifyPrompt(tabs map[string][][]string) []openai.ChatCompletionMessage {
	var b strings.Builder
	b.WriteString("Clasifica cada pestaña de esta hoja de cálculo en una de las categorías: ")
	b.WriteString("branch_info, product, faq, canned, knowledge. ")
	b.WriteString("Indica también la columna principal de contenido.\n\n")
	for title, rows := range tabs {
		fmt.Fprintf(&b, "Pestaña %q:\n", title)
		for i, row := range rows {
			if i > sampleRows {
				break
			}
			fmt.Fprintf(&b, "  %s\n", strings.Join(row, " | "))
		}
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: b.String()},
	}
}
