package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/llm"
)

type fakeClassifier struct {
	out llm.TabClassification
	err error
}

func (f *fakeClassifier) CompleteStructured(_ context.Context, task, schemaKey string, _ []openai.ChatCompletionMessage, out any) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	*(out.(*llm.TabClassification)) = f.out
	return &llm.Completion{Calls: 1}, nil
}

func classification(title, category, column string) llm.TabClassification {
	var out llm.TabClassification
	out.Tabs = append(out.Tabs, struct {
		Title    string `json:"title"`
		Category string `json:"category"`
		Column   string `json:"content_column"`
	}{Title: title, Category: category, Column: column})
	return out
}

func TestAnalyzeEmitsDocumentsFromClassifiedTabs(t *testing.T) {
	tabs := map[string][][]string{
		"sucursales": {
			{"id", "descripcion"},
			{"b1", "Sucursal Centro en Av. Juárez 10"},
			{"b2", ""},
		},
	}
	a := NewSchemaAnalyzer(&fakeClassifier{out: classification("sucursales", CategoryBranchInfo, "descripcion")})

	ttls := map[string]time.Duration{CategoryBranchInfo: time.Hour}
	docs, err := a.Analyze(context.Background(), tabs, ttls)
	require.NoError(t, err)

	// The empty-content row falls back to the joined row text.
	require.Len(t, docs, 2)
	assert.Equal(t, "Sucursal Centro en Av. Juárez 10", docs[0].Content)
	assert.Equal(t, CategoryBranchInfo, docs[0].Category)
	assert.Equal(t, SourceConfigHub, docs[0].Source)
	assert.Equal(t, time.Hour, docs[0].TTL)
	assert.Equal(t, "b2", docs[1].Content)
}

func TestAnalyzeRejectsUnknownCategories(t *testing.T) {
	tabs := map[string][][]string{
		"misc": {{"a"}, {"x"}},
	}
	a := NewSchemaAnalyzer(&fakeClassifier{out: classification("misc", "not_a_category", "a")})

	_, err := a.Analyze(context.Background(), tabs, nil)
	require.Error(t, err)
}

func TestAnalyzeFailurePropagates(t *testing.T) {
	a := NewSchemaAnalyzer(&fakeClassifier{err: assert.AnError})
	_, err := a.Analyze(context.Background(), map[string][][]string{"x": {{"a"}}}, nil)
	require.Error(t, err)
}
