package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/memory"
	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

// OptimizedOptions tune the hot path.
type OptimizedOptions struct {
	CacheThreshold  float64
	CannedThreshold float64
	MaxHistory      int
	HistoryCharCap  int
	ContextCharCap  int
	CacheTTL        time.Duration
}

func (o OptimizedOptions) withDefaults() OptimizedOptions {
	if o.CacheThreshold <= 0 {
		o.CacheThreshold = 0.85
	}
	if o.CannedThreshold <= 0 {
		o.CannedThreshold = 0.90
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 6
	}
	if o.HistoryCharCap <= 0 {
		o.HistoryCharCap = 2000
	}
	if o.ContextCharCap <= 0 {
		o.ContextCharCap = 1500
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	return o
}

// Optimized is the hot path: cache, then canned, then at most one LLM call.
type Optimized struct {
	mem       Memory
	vs        VectorSearch
	snapshots SnapshotProvider
	llm       Completer
	senders   SenderFactory
	proposer  Proposer
	opts      OptimizedOptions
}

// NewOptimized wires the hot path. proposer may be nil.
func NewOptimized(mem Memory, vs VectorSearch, snapshots SnapshotProvider, llmClient Completer, senders SenderFactory, proposer Proposer, opts OptimizedOptions) *Optimized {
	return &Optimized{
		mem:       mem,
		vs:        vs,
		snapshots: snapshots,
		llm:       llmClient,
		senders:   senders,
		proposer:  proposer,
		opts:      opts.withDefaults(),
	}
}

// Handle answers one message. An error return means the selector should fall
// back to the legacy path; the apology short-circuit is a success, not an
// error.
func (p *Optimized) Handle(ctx context.Context, req Request) (*chat.Result, error) {
	if p.llm == nil || p.vs == nil {
		return nil, errors.New("optimized pipeline not configured")
	}
	start := time.Now()

	if _, err := p.mem.AddMessage(ctx, req.ConversationID, chat.RoleUser, req.Message, req.ContactID, nil); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to append inbound message")
	}

	// Cache hit: zero LLM calls.
	if cached, err := p.vs.GetCachedResponse(ctx, req.Message, vector.CacheOptions{
		Threshold: p.opts.CacheThreshold,
	}); err == nil && cached != nil {
		result := &chat.Result{
			Response:   cached.Response,
			Source:     chat.SourceCache,
			FlowType:   chat.FlowOptimized,
			Confidence: cached.Similarity,
		}
		deliver(ctx, p.mem, p.senders, req, result.Response)
		result.DurationMs = elapsedMs(start)
		return result, nil
	}

	// Canned/FAQ hit: zero LLM calls, stricter threshold.
	if response, sim := p.cannedMatch(ctx, req.Message); response != "" {
		result := &chat.Result{
			Response:   response,
			Source:     chat.SourceCanned,
			FlowType:   chat.FlowOptimized,
			Confidence: sim,
		}
		deliver(ctx, p.mem, p.senders, req, result.Response)
		result.DurationMs = elapsedMs(start)
		return result, nil
	}

	// Single AI step.
	result := p.aiStep(ctx, req)
	deliver(ctx, p.mem, p.senders, req, result.Response)
	result.DurationMs = elapsedMs(start)
	return result, nil
}

func (p *Optimized) cannedMatch(ctx context.Context, message string) (string, float64) {
	for _, category := range []string{knowledge.CategoryCanned, knowledge.CategoryFAQ} {
		results, err := p.vs.Search(ctx, message, vector.SearchOptions{
			Category:  category,
			Limit:     1,
			Threshold: p.opts.CannedThreshold,
		})
		if err != nil {
			logger.G(ctx).WithError(err).WithField("category", category).Warn("canned lookup failed")
			continue
		}
		if len(results) == 0 {
			continue
		}
		hit := results[0]
		// Canned rows carry the reply in metadata; FAQ rows the answer.
		for _, key := range []string{"response", "answer"} {
			if v, ok := hit.Metadata[key].(string); ok && v != "" {
				return v, hit.Similarity
			}
		}
		return hit.Content, hit.Similarity
	}
	return "", 0
}

func (p *Optimized) aiStep(ctx context.Context, req Request) *chat.Result {
	history := ""
	if memCtx, err := p.mem.GetContextForLLM(ctx, req.ConversationID, memory.ContextOptions{
		MaxMessages:  p.opts.MaxHistory,
		ContactID:    req.ContactID,
		CurrentQuery: req.Message,
	}); err == nil {
		history = charCap(memCtx.ContextText, p.opts.HistoryCharCap)
	} else {
		logger.G(ctx).WithError(err).Warn("failed to assemble history")
	}

	snap := p.snapshots.Snapshot()
	contextText := charCap(minimalContext(snap, req.Message), p.opts.ContextCharCap)

	var out llm.Reply
	completion, err := p.llm.CompleteStructured(ctx, "reply", "tania_reply",
		replyPrompt(contextText, history, req.Message), &out)

	result := &chat.Result{Source: chat.SourceAI, FlowType: chat.FlowOptimized}
	if completion != nil {
		result.AICalls = completion.Calls
	}
	if err != nil || strings.TrimSpace(out.Reply) == "" {
		logger.G(ctx).WithError(err).Warn("reply generation failed, using apology")
		result.Response = apologyReply
		result.Confidence = apologyConfidence
		return result
	}

	result.Response = out.Reply
	result.Confidence = out.Confidence

	if out.NeedsHandoff {
		proposeHandoff(ctx, p.proposer, req)
	}

	// Handoff replies are conversation-specific and must not be replayed from
	// the semantic cache.
	if out.Confidence > minCacheConfidence && !out.NeedsHandoff {
		if err := p.vs.SetCachedResponse(ctx, req.Message, out.Reply,
			map[string]any{"intent": out.Intent}, vector.CacheOptions{
				Category: "general",
				TTL:      p.opts.CacheTTL,
			}); err != nil && err != vector.ErrErrorResponse {
			logger.G(ctx).WithError(err).Debug("failed to cache reply")
		}
	}
	return result
}

const optimizedSystemPrompt = `Eres Tania, la asistente de una cadena de cafeterías y panaderías.
Responde en español, breve y amable. Usa solo la información del contexto;
si no sabes algo, dilo y ofrece comunicar con el equipo.

Contexto:
%s

Conversación reciente:
%s`

func replyPrompt(contextText, history, message string) []openai.ChatCompletionMessage {
	if contextText == "" {
		contextText = "(sin datos)"
	}
	if history == "" {
		history = "(sin historial)"
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(optimizedSystemPrompt, contextText, history)},
		{Role: openai.ChatMessageRoleUser, Content: message},
	}
}

// Keyword gates: only the snapshot slices the message plausibly needs go into
// the prompt.
var branchKeywords = []string{"sucursal", "dirección", "direccion", "dónde", "donde", "ubicación", "ubicacion", "horario"}
var productKeywords = []string{"precio", "cuánto", "cuanto", "cuesta", "producto", "menú", "menu", "venden", "hay"}

func minimalContext(snap *knowledge.Snapshot, message string) string {
	if snap == nil {
		return ""
	}
	lowered := strings.ToLower(message)
	var b strings.Builder

	if containsAny(lowered, branchKeywords) {
		for _, br := range snap.Branches {
			if !br.Enabled {
				continue
			}
			fmt.Fprintf(&b, "Sucursal %s: %s, %s. Tel %s\n", br.Name, br.Address, br.City, br.Phone)
		}
	}

	if containsAny(lowered, productKeywords) {
		for _, pr := range snap.Products {
			if !pr.Enabled {
				continue
			}
			fmt.Fprintf(&b, "%s (%s): $%.2f\n", pr.Name, pr.Category, pr.Price)
		}
	}

	// Product names mentioned directly always qualify.
	for _, pr := range snap.Products {
		if !pr.Enabled {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(pr.Name)) || containsAny(lowered, pr.FuzzyKeywords) {
			fmt.Fprintf(&b, "%s: $%.2f. %s\n", pr.Name, pr.Price, pr.Description)
		}
	}

	if season := snap.ActiveSeason(time.Now()); season != nil && season.Message != "" {
		fmt.Fprintf(&b, "Temporada %s: %s\n", season.Name, season.Message)
	}

	return strings.TrimSpace(b.String())
}

func containsAny(lowered string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(lowered, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
