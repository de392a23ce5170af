package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taniahq/tania/pkg/actions"
	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/memory"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

type fakeMemory struct {
	mu       sync.Mutex
	messages []memory.Message
	context  string
}

func (f *fakeMemory) AddMessage(_ context.Context, conversationID string, role chat.Role, content string, contactID string, _ map[string]any) (memory.Storage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, memory.Message{ConversationID: conversationID, Role: role, Content: content})
	return memory.StorageMemory, nil
}

func (f *fakeMemory) GetContextForLLM(_ context.Context, _ string, _ memory.ContextOptions) (*memory.Context, error) {
	return &memory.Context{ContextText: f.context}, nil
}

func (f *fakeMemory) roles() []chat.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles := make([]chat.Role, len(f.messages))
	for i, m := range f.messages {
		roles[i] = m.Role
	}
	return roles
}

type fakeVector struct {
	cached       *vector.CachedResponse
	searchHits   map[string][]vector.SearchResult
	setQueries   []string
	setResponses []string
}

func (f *fakeVector) GetCachedResponse(_ context.Context, _ string, _ vector.CacheOptions) (*vector.CachedResponse, error) {
	return f.cached, nil
}

func (f *fakeVector) SetCachedResponse(_ context.Context, query, response string, _ map[string]any, _ vector.CacheOptions) error {
	f.setQueries = append(f.setQueries, query)
	f.setResponses = append(f.setResponses, response)
	return nil
}

func (f *fakeVector) Search(_ context.Context, _ string, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	return f.searchHits[opts.Category], nil
}

type fakeSnapshots struct{ snap *knowledge.Snapshot }

func (f *fakeSnapshots) Snapshot() *knowledge.Snapshot {
	if f.snap == nil {
		return &knowledge.Snapshot{}
	}
	return f.snap
}

// scriptedCompleter returns canned structured outputs keyed by schema.
type scriptedCompleter struct {
	mu      sync.Mutex
	outputs map[string][]any
	errs    map[string]error
	calls   []string
}

func (f *scriptedCompleter) CompleteStructured(_ context.Context, _, schemaKey string, _ []openai.ChatCompletionMessage, out any) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schemaKey)
	if err, ok := f.errs[schemaKey]; ok && err != nil {
		return nil, err
	}
	queue := f.outputs[schemaKey]
	if len(queue) == 0 {
		return &llm.Completion{Calls: 1}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.outputs[schemaKey] = queue[1:]
	}
	raw, _ := json.Marshal(next)
	return &llm.Completion{Calls: 1}, json.Unmarshal(raw, out)
}

func (f *scriptedCompleter) callCount(schemaKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == schemaKey {
			n++
		}
	}
	return n
}

type fakeProposer struct {
	mu        sync.Mutex
	proposals []actions.Proposal
}

func (f *fakeProposer) Propose(_ context.Context, p actions.Proposal) (*actiontypes.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals = append(f.proposals, p)
	return &actiontypes.Record{ActionID: "a1", ActionType: p.Type, State: actiontypes.StateExecuted}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return r.err
}

func testRequest(sender *recordingSender) Request {
	return Request{
		ConversationID: "conv-1",
		AccountID:      "acct-1",
		ContactID:      "contact-1",
		Message:        "¿tienen rosca de reyes?",
		Send:           sender.send,
	}
}

func TestOptimizedCacheHit(t *testing.T) {
	mem := &fakeMemory{}
	vs := &fakeVector{cached: &vector.CachedResponse{Response: "¡Sí, ya tenemos rosca!", Similarity: 0.93}}
	completer := &scriptedCompleter{}
	sender := &recordingSender{}

	p := NewOptimized(mem, vs, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)

	assert.Equal(t, chat.SourceCache, result.Source)
	assert.Equal(t, "¡Sí, ya tenemos rosca!", result.Response)
	assert.Zero(t, result.AICalls)
	assert.Equal(t, chat.FlowOptimized, result.FlowType)
	assert.Empty(t, completer.calls)
	assert.Equal(t, []string{"¡Sí, ya tenemos rosca!"}, sender.sent)
	// Inbound then outbound were appended.
	assert.Equal(t, []chat.Role{chat.RoleUser, chat.RoleAssistant}, mem.roles())
}

func TestOptimizedCannedHit(t *testing.T) {
	mem := &fakeMemory{}
	vs := &fakeVector{searchHits: map[string][]vector.SearchResult{
		knowledge.CategoryCanned: {{
			Content:    "rosca",
			Similarity: 0.95,
			Metadata:   map[string]any{"response": "¡Ya hay rosca en todas las sucursales!"},
		}},
	}}
	completer := &scriptedCompleter{}
	sender := &recordingSender{}

	p := NewOptimized(mem, vs, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)

	assert.Equal(t, chat.SourceCanned, result.Source)
	assert.Equal(t, "¡Ya hay rosca en todas las sucursales!", result.Response)
	assert.Zero(t, result.AICalls)
}

func TestOptimizedAIStepCachesConfidentReplies(t *testing.T) {
	mem := &fakeMemory{}
	vs := &fakeVector{}
	completer := &scriptedCompleter{outputs: map[string][]any{
		"tania_reply": {llm.Reply{Reply: "Sí, la rosca cuesta $350.", Confidence: 0.9}},
	}}
	sender := &recordingSender{}

	p := NewOptimized(mem, vs, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)

	assert.Equal(t, chat.SourceAI, result.Source)
	assert.Equal(t, 1, result.AICalls)
	assert.Equal(t, "Sí, la rosca cuesta $350.", result.Response)
	require.Len(t, vs.setQueries, 1)
	assert.Equal(t, "¿tienen rosca de reyes?", vs.setQueries[0])
}

func TestOptimizedLowConfidenceNotCached(t *testing.T) {
	vs := &fakeVector{}
	completer := &scriptedCompleter{outputs: map[string][]any{
		"tania_reply": {llm.Reply{Reply: "Creo que sí.", Confidence: 0.4}},
	}}
	sender := &recordingSender{}

	p := NewOptimized(&fakeMemory{}, vs, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	_, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)
	assert.Empty(t, vs.setQueries)
}

func TestOptimizedHandoffProposesAndSkipsCache(t *testing.T) {
	vs := &fakeVector{}
	completer := &scriptedCompleter{outputs: map[string][]any{
		"tania_reply": {llm.Reply{Reply: "Te comunico con el equipo.", Confidence: 0.9, NeedsHandoff: true}},
	}}
	proposer := &fakeProposer{}
	sender := &recordingSender{}

	p := NewOptimized(&fakeMemory{}, vs, &fakeSnapshots{}, completer, nil, proposer, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)

	assert.Equal(t, "Te comunico con el equipo.", result.Response)
	require.Len(t, proposer.proposals, 1)
	assert.Equal(t, "notify_staff", proposer.proposals[0].Type)
	// Handoff replies stay out of the semantic cache despite the confidence.
	assert.Empty(t, vs.setQueries)
}

func TestOptimizedApologyOnLLMFailureNeverCached(t *testing.T) {
	vs := &fakeVector{}
	completer := &scriptedCompleter{errs: map[string]error{"tania_reply": assert.AnError}}
	sender := &recordingSender{}

	p := NewOptimized(&fakeMemory{}, vs, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)

	assert.Equal(t, apologyReply, result.Response)
	assert.InDelta(t, apologyConfidence, result.Confidence, 1e-9)
	assert.Empty(t, vs.setQueries)
	// The apology is still delivered.
	assert.Equal(t, []string{apologyReply}, sender.sent)
}

func TestOptimizedSendErrorSwallowed(t *testing.T) {
	completer := &scriptedCompleter{outputs: map[string][]any{
		"tania_reply": {llm.Reply{Reply: "Claro.", Confidence: 0.8}},
	}}
	sender := &recordingSender{err: assert.AnError}

	p := NewOptimized(&fakeMemory{}, &fakeVector{}, &fakeSnapshots{}, completer, nil, nil, OptimizedOptions{})
	result, err := p.Handle(context.Background(), testRequest(sender))
	require.NoError(t, err)
	assert.Equal(t, "Claro.", result.Response)
}

func TestMinimalContextKeywordGating(t *testing.T) {
	snap := &knowledge.Snapshot{
		Branches: []knowledge.Branch{{Name: "Centro", Address: "Av. Juárez 10", City: "Puebla", Enabled: true}},
		Products: []knowledge.Product{{Name: "Concha", Category: "pan", Price: 15, Enabled: true}},
	}

	// Branch keywords pull branches, not products.
	ctx := minimalContext(snap, "¿dónde está la sucursal?")
	assert.Contains(t, ctx, "Centro")
	assert.NotContains(t, ctx, "Concha")

	// Product name mention pulls that product.
	ctx = minimalContext(snap, "¿tienen concha?")
	assert.Contains(t, ctx, "Concha")

	// Unrelated smalltalk pulls nothing.
	assert.Empty(t, minimalContext(snap, "gracias"))
}
