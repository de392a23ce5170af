// Package llm provides the structured-output chat client and the model
// routing registry. The registry is the only place that branches on model
// family: capability predicates consult learned knowledge first and fall
// back to family heuristics, and provider "unsupported parameter" errors
// feed back into the knowledge so the same mistake is not repeated.
package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taniahq/tania/pkg/logger"
)

// Capabilities records what a model is known to support. Nil pointers mean
// "not yet observed"; once a capability is observed false it is not promoted
// back to true without an explicit probe.
type Capabilities struct {
	SupportsCustomTemperature   *bool  `json:"supports_custom_temperature,omitempty"`
	RequiresMaxCompletionTokens *bool  `json:"requires_max_completion_tokens,omitempty"`
	SupportsJSONMode            *bool  `json:"supports_json_mode,omitempty"`
	LastObservedError           string `json:"last_observed_error,omitempty"`
}

// ModelKnowledge is the persisted capability record for one model.
type ModelKnowledge struct {
	Model        string       `json:"model"`
	Capabilities Capabilities `json:"capabilities"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ModelConfig is the routing decision for one task.
type ModelConfig struct {
	Task        string   `json:"task"`
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Source      string   `json:"source"`
}

// reasoningFamilies require max_completion_tokens and reject custom
// temperature regardless of learned knowledge.
var reasoningFamilies = []string{"o1", "o3", "o4", "gpt-5"}

func isReasoningFamily(model string) bool {
	for _, prefix := range reasoningFamilies {
		if model == prefix || strings.HasPrefix(model, prefix+"-") {
			return true
		}
	}
	return false
}

// Registry maps tasks to models and tracks per-model capabilities.
type Registry struct {
	mu        sync.RWMutex
	routing   map[string]ModelConfig
	knowledge map[string]*ModelKnowledge
	defaults  map[string]ModelConfig
	store     KnowledgeStore
}

// KnowledgeStore persists learned model capabilities across restarts.
type KnowledgeStore interface {
	LoadAll(ctx context.Context) ([]ModelKnowledge, error)
	Save(ctx context.Context, k ModelKnowledge) error
}

// NewRegistry creates a registry with static default routing. The store may
// be nil; knowledge then lives only in process memory.
func NewRegistry(defaultModel, weakModel string, store KnowledgeStore) *Registry {
	temp := func(v float32) *float32 { return &v }
	defaults := map[string]ModelConfig{
		"reply":          {Task: "reply", Model: defaultModel, Temperature: temp(0.3), MaxTokens: 500, Source: "default"},
		"analyze":        {Task: "analyze", Model: weakModel, Temperature: temp(0.1), MaxTokens: 300, Source: "default"},
		"validate":       {Task: "validate", Model: weakModel, Temperature: temp(0.0), MaxTokens: 200, Source: "default"},
		"summarize":      {Task: "summarize", Model: weakModel, Temperature: temp(0.2), MaxTokens: 800, Source: "default"},
		"schema_analyze": {Task: "schema_analyze", Model: weakModel, Temperature: temp(0.0), MaxTokens: 1000, Source: "default"},
	}
	return &Registry{
		routing:   make(map[string]ModelConfig),
		knowledge: make(map[string]*ModelKnowledge),
		defaults:  defaults,
		store:     store,
	}
}

// GetModelConfig resolves the model configuration for a task: sheet-provided
// routing wins, then static defaults, then the reply default.
func (r *Registry) GetModelConfig(task string) ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.routing[task]; ok {
		return cfg
	}
	if cfg, ok := r.defaults[task]; ok {
		return cfg
	}
	return r.defaults["reply"]
}

// UpdateRouting replaces the sheet-provided routing table. Called by the
// knowledge registry after each config refresh.
func (r *Registry) UpdateRouting(routing map[string]ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routing = routing
}

// SupportsCustomTemperature reports whether the model accepts a temperature
// parameter.
func (r *Registry) SupportsCustomTemperature(model string) bool {
	if isReasoningFamily(model) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.knowledge[model]; ok && k.Capabilities.SupportsCustomTemperature != nil {
		return *k.Capabilities.SupportsCustomTemperature
	}
	return true
}

// RequiresMaxCompletionTokens reports whether the model rejects max_tokens in
// favor of max_completion_tokens.
func (r *Registry) RequiresMaxCompletionTokens(model string) bool {
	if isReasoningFamily(model) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.knowledge[model]; ok && k.Capabilities.RequiresMaxCompletionTokens != nil {
		return *k.Capabilities.RequiresMaxCompletionTokens
	}
	return false
}

// SupportsJSONMode reports whether the model accepts a JSON-schema response
// format.
func (r *Registry) SupportsJSONMode(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.knowledge[model]; ok && k.Capabilities.SupportsJSONMode != nil {
		return *k.Capabilities.SupportsJSONMode
	}
	return true
}

// LearnFromError inspects a provider error message and records any capability
// finding. It returns true when something new was learned, meaning the caller
// should rebuild parameters and retry.
func (r *Registry) LearnFromError(ctx context.Context, model string, errMsg string) bool {
	lowered := strings.ToLower(errMsg)
	if !strings.Contains(lowered, "unsupported parameter") &&
		!strings.Contains(lowered, "unsupported value") &&
		!strings.Contains(lowered, "does not support") {
		return false
	}

	r.mu.Lock()
	k, ok := r.knowledge[model]
	if !ok {
		k = &ModelKnowledge{Model: model}
		r.knowledge[model] = k
	}

	learned := false
	falseVal, trueVal := false, true
	switch {
	case strings.Contains(lowered, "temperature"):
		if k.Capabilities.SupportsCustomTemperature == nil || *k.Capabilities.SupportsCustomTemperature {
			k.Capabilities.SupportsCustomTemperature = &falseVal
			learned = true
		}
	case strings.Contains(lowered, "max_tokens"):
		if k.Capabilities.RequiresMaxCompletionTokens == nil || !*k.Capabilities.RequiresMaxCompletionTokens {
			k.Capabilities.RequiresMaxCompletionTokens = &trueVal
			learned = true
		}
	case strings.Contains(lowered, "response_format") || strings.Contains(lowered, "json_schema"):
		if k.Capabilities.SupportsJSONMode == nil || *k.Capabilities.SupportsJSONMode {
			k.Capabilities.SupportsJSONMode = &falseVal
			learned = true
		}
	}
	if learned {
		k.Capabilities.LastObservedError = errMsg
		k.UpdatedAt = time.Now()
	}
	snapshot := *k
	r.mu.Unlock()

	if learned && r.store != nil {
		if err := r.store.Save(ctx, snapshot); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to persist model knowledge")
		}
	}
	return learned
}

// SetCapabilities overwrites a model's capabilities. Used by Probe, which is
// the only path allowed to promote a capability back to true.
func (r *Registry) SetCapabilities(ctx context.Context, model string, caps Capabilities) {
	r.mu.Lock()
	k := &ModelKnowledge{Model: model, Capabilities: caps, UpdatedAt: time.Now()}
	r.knowledge[model] = k
	snapshot := *k
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, snapshot); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to persist model knowledge")
		}
	}
}

// Knowledge returns a copy of all learned model knowledge.
func (r *Registry) Knowledge() []ModelKnowledge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelKnowledge, 0, len(r.knowledge))
	for _, k := range r.knowledge {
		out = append(out, *k)
	}
	return out
}

// LoadKnowledge hydrates the registry from the store at startup.
func (r *Registry) LoadKnowledge(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	all, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range all {
		copied := k
		r.knowledge[k.Model] = &copied
	}
	return nil
}
