package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/memory"
	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

// LegacyOptions tune the staged reasoning path.
type LegacyOptions struct {
	MaxHistory         int
	HistoryCharCap     int
	SkipValidator      bool
	MaxRevisions       int
	SuppressedChannels []string
}

func (o LegacyOptions) withDefaults() LegacyOptions {
	if o.MaxHistory <= 0 {
		o.MaxHistory = 10
	}
	if o.HistoryCharCap <= 0 {
		o.HistoryCharCap = 3000
	}
	if o.SuppressedChannels == nil {
		o.SuppressedChannels = DefaultSuppressedChannels
	}
	return o
}

// Legacy is the staged path: analyzer, retriever, generator, sanitizer and an
// optional validator with bounded revisions.
type Legacy struct {
	mem       Memory
	vs        VectorSearch
	snapshots SnapshotProvider
	llm       Completer
	senders   SenderFactory
	proposer  Proposer
	opts      LegacyOptions
}

// NewLegacy wires the staged path. proposer may be nil.
func NewLegacy(mem Memory, vs VectorSearch, snapshots SnapshotProvider, llmClient Completer, senders SenderFactory, proposer Proposer, opts LegacyOptions) *Legacy {
	return &Legacy{
		mem:       mem,
		vs:        vs,
		snapshots: snapshots,
		llm:       llmClient,
		senders:   senders,
		proposer:  proposer,
		opts:      opts.withDefaults(),
	}
}

// Handle answers one message through the full reasoning chain. All LLM-stage
// failures degrade (analyzer to defaults, generator to apology, validator to
// approve); Handle itself only errs when unconfigured.
func (p *Legacy) Handle(ctx context.Context, req Request) (*chat.Result, error) {
	start := time.Now()
	result := &chat.Result{Source: chat.SourceAI, FlowType: chat.FlowLegacy}

	if _, err := p.mem.AddMessage(ctx, req.ConversationID, chat.RoleUser, req.Message, req.ContactID, nil); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to append inbound message")
	}

	analysis := p.analyze(ctx, req, result)
	retrieved := p.retrieve(ctx, req, analysis)
	history := p.history(ctx, req)

	response, handoff := p.generate(ctx, req, analysis, retrieved, history, "", result)

	if !p.opts.SkipValidator && response != apologyReply {
		response, handoff = p.validate(ctx, req, analysis, retrieved, history, response, handoff, result)
	}

	result.Response = response
	if response == apologyReply || result.Confidence == 0 {
		result.Confidence = apologyConfidence
	}
	deliver(ctx, p.mem, p.senders, req, result.Response)
	if handoff {
		proposeHandoff(ctx, p.proposer, req)
	}
	result.DurationMs = elapsedMs(start)
	return result, nil
}

func (p *Legacy) analyze(ctx context.Context, req Request, result *chat.Result) llm.MessageAnalysis {
	analysis := llm.MessageAnalysis{Intent: "general", Strategy: "direct"}
	completion, err := p.llm.CompleteStructured(ctx, "analyze", "message_analysis",
		analyzePrompt(req.Message), &analysis)
	if completion != nil {
		result.AICalls += completion.Calls
	}
	if err != nil {
		logger.G(ctx).WithError(err).Warn("analyzer failed, using defaults")
		return llm.MessageAnalysis{Intent: "general", Strategy: "direct"}
	}
	return analysis
}

// retrieve gathers snapshot slices and vector hits, gated by the analyzer's
// data needs and the message's keywords.
func (p *Legacy) retrieve(ctx context.Context, req Request, analysis llm.MessageAnalysis) string {
	var b strings.Builder
	snap := p.snapshots.Snapshot()
	lowered := strings.ToLower(req.Message)

	needs := map[string]bool{}
	for _, n := range analysis.DataNeeds {
		needs[strings.ToLower(n)] = true
	}

	if snap != nil {
		if needs["branches"] || needs["branch_info"] || containsAny(lowered, branchKeywords) {
			for _, br := range snap.Branches {
				if br.Enabled {
					fmt.Fprintf(&b, "Sucursal %s: %s, %s. Tel %s\n", br.Name, br.Address, br.City, br.Phone)
				}
			}
		}
		if needs["products"] || needs["prices"] || containsAny(lowered, productKeywords) {
			for _, pr := range snap.Products {
				if pr.Enabled {
					fmt.Fprintf(&b, "%s (%s): $%.2f\n", pr.Name, pr.Category, pr.Price)
				}
			}
		}
		for _, c := range snap.ActiveCanned(time.Now()) {
			if strings.Contains(lowered, strings.ToLower(c.Trigger)) {
				fmt.Fprintf(&b, "Respuesta sugerida: %s\n", c.Response)
			}
		}
	}

	if p.vs != nil {
		for _, category := range []string{knowledge.CategoryFAQ, knowledge.CategoryKnowledge} {
			results, err := p.vs.Search(ctx, req.Message, vector.SearchOptions{Category: category, Limit: 3})
			if err != nil {
				logger.G(ctx).WithError(err).WithField("category", category).Warn("retrieval search failed")
				continue
			}
			for _, r := range results {
				fmt.Fprintf(&b, "%s\n", r.Content)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func (p *Legacy) history(ctx context.Context, req Request) string {
	memCtx, err := p.mem.GetContextForLLM(ctx, req.ConversationID, memory.ContextOptions{
		MaxMessages:  p.opts.MaxHistory,
		ContactID:    req.ContactID,
		CurrentQuery: req.Message,
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to assemble history")
		return ""
	}
	return charCap(memCtx.ContextText, p.opts.HistoryCharCap)
}

func (p *Legacy) generate(ctx context.Context, req Request, analysis llm.MessageAnalysis, retrieved, history, revisionInstructions string, result *chat.Result) (string, bool) {
	var out llm.Reply
	completion, err := p.llm.CompleteStructured(ctx, "reply", "tania_reply",
		generatePrompt(analysis, retrieved, history, revisionInstructions, req.Message), &out)
	if completion != nil {
		result.AICalls += completion.Calls
	}
	if err != nil || strings.TrimSpace(out.Reply) == "" {
		logger.G(ctx).WithError(err).Warn("generator failed, using apology")
		return apologyReply, false
	}
	result.Confidence = out.Confidence
	response := Sanitize(out.Reply, req.Message, out.NeedsHandoff, p.opts.SuppressedChannels)
	if out.NeedsHandoff {
		if settings, err := p.snapshots.Snapshot().AgentSettings(); err == nil && settings.HandoffMessage != "" &&
			!strings.Contains(response, settings.HandoffMessage) {
			response = response + " " + settings.HandoffMessage
		}
	}
	return response, out.NeedsHandoff
}

// validate runs the verdict loop: approve commits, needs_revision regenerates
// with instructions up to the revision budget, reject (or a spent budget)
// drops the candidate for the apology.
func (p *Legacy) validate(ctx context.Context, req Request, analysis llm.MessageAnalysis, retrieved, history, response string, handoff bool, result *chat.Result) (string, bool) {
	for revision := 0; ; revision++ {
		var verdict llm.ValidationVerdict
		completion, err := p.llm.CompleteStructured(ctx, "validate", "response_validation",
			validatePrompt(req.Message, response), &verdict)
		if completion != nil {
			result.AICalls += completion.Calls
		}
		if err != nil {
			logger.G(ctx).WithError(err).Warn("validator failed, approving as-is")
			return response, handoff
		}

		switch verdict.Verdict {
		case "approve", "":
			return response, handoff
		case "needs_revision":
			if revision >= p.opts.MaxRevisions {
				logger.G(ctx).WithField("reason", verdict.Reason).Warn("revision budget spent, dropping candidate")
				return apologyReply, false
			}
			response, handoff = p.generate(ctx, req, analysis, retrieved, history, verdict.RevisionInstructions, result)
			if response == apologyReply {
				return apologyReply, false
			}
		default: // reject
			logger.G(ctx).WithField("reason", verdict.Reason).Warn("validator rejected candidate")
			return apologyReply, false
		}
	}
}

func analyzePrompt(message string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: `Analiza el mensaje de un cliente de panadería.
Clasifica intent, frustración (0-5), si el cliente repite la misma pregunta (loop),
la estrategia de respuesta y qué datos se necesitan (branches, products, prices, faq).`},
		{Role: openai.ChatMessageRoleUser, Content: message},
	}
}

const legacySystemPrompt = `Eres Tania, la asistente de una cadena de cafeterías y panaderías.
Responde en español, breve y amable.
Intención detectada: %s. Estrategia: %s. Frustración: %d/5.

Datos disponibles:
%s

Conversación reciente:
%s%s`

func generatePrompt(analysis llm.MessageAnalysis, retrieved, history, revisionInstructions, message string) []openai.ChatCompletionMessage {
	if retrieved == "" {
		retrieved = "(sin datos)"
	}
	if history == "" {
		history = "(sin historial)"
	}
	revision := ""
	if revisionInstructions != "" {
		revision = "\n\nCorrige la respuesta anterior: " + revisionInstructions
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(legacySystemPrompt,
			analysis.Intent, analysis.Strategy, analysis.Frustration, retrieved, history, revision)},
		{Role: openai.ChatMessageRoleUser, Content: message},
	}
}

func validatePrompt(message, response string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: `Evalúa si la respuesta de la asistente es correcta,
segura y responde al mensaje del cliente. Veredicto: approve, reject o needs_revision.`},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Cliente: %s\nRespuesta: %s", message, response)},
	}
}
