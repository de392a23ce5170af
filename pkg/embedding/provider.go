// Package embedding generates embedding vectors through the OpenAI-compatible
// embeddings API, fronted by an in-memory TTL cache. Every call site in the
// service tolerates a nil vector: a nil result means "cannot vectorize" and
// callers degrade to their non-semantic paths.
package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/logger"
)

const (
	maxInputChars = 8000
	maxBatchSize  = 100
)

// Provider generates embedding vectors for texts.
type Provider interface {
	// Embed returns the embedding for a single text, or nil when the
	// provider is unavailable or the text is empty.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds many texts preserving input order. A failed or
	// empty input yields a nil vector at its index without failing the
	// whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the configured vector width.
	Dimensions() int
}

// embeddingAPI is the slice of the OpenAI client the provider uses.
type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Config configures the OpenAI-backed provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	CacheSize  int
	CacheTTL   time.Duration
}

// OpenAIProvider implements Provider over the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	api   embeddingAPI
	model openai.EmbeddingModel
	dims  int
	cache *vectorCache
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		api:   openai.NewClientWithConfig(clientCfg),
		model: openai.EmbeddingModel(cfg.Model),
		dims:  cfg.Dimensions,
		cache: newVectorCache(cfg.CacheSize, cfg.CacheTTL),
	}
}

// Dimensions returns the configured vector width.
func (p *OpenAIProvider) Dimensions() int {
	return p.dims
}

// NormalizeText lowercases, collapses whitespace and caps the input length.
// The same normalization feeds both the cache key and the provider call so
// trivially different texts share a vector.
func NormalizeText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxInputChars {
		cut := maxInputChars
		// Never split a multi-byte rune at the cap.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// ContentKey computes a stable 64-bit key over the normalized text.
func ContentKey(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(NormalizeText(text)))
	return h.Sum64()
}

// Embed returns the embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, nil
	}

	key := ContentKey(normalized)
	if vec, ok := p.cache.get(key); ok {
		return vec, nil
	}

	vectors, err := p.callProvider(ctx, []string{normalized})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, errors.New("provider returned no embedding")
	}

	p.cache.put(key, vectors[0])
	return vectors[0], nil
}

// EmbedBatch embeds texts in sub-batches of at most 100, preserving order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	type pending struct {
		index      int
		normalized string
		key        uint64
	}
	var misses []pending

	for i, text := range texts {
		normalized := NormalizeText(text)
		if normalized == "" {
			continue
		}
		key := ContentKey(normalized)
		if vec, ok := p.cache.get(key); ok {
			results[i] = vec
			continue
		}
		misses = append(misses, pending{index: i, normalized: normalized, key: key})
	}

	for start := 0; start < len(misses); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		inputs := make([]string, len(batch))
		for i, m := range batch {
			inputs[i] = m.normalized
		}

		vectors, err := p.callProvider(ctx, inputs)
		if err != nil {
			// A failed sub-batch leaves nil holes; later sub-batches still run.
			logger.G(ctx).WithError(err).WithField("batch_size", len(batch)).
				Warn("embedding sub-batch failed")
			continue
		}
		for i, m := range batch {
			if i < len(vectors) && vectors[i] != nil {
				results[m.index] = vectors[i]
				p.cache.put(m.key, vectors[i])
			}
		}
	}

	return results, nil
}

func (p *OpenAIProvider) callProvider(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: inputs,
		Model: p.model,
	}
	if p.dims > 0 {
		req.Dimensions = p.dims
	}

	resp, err := p.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embeddings")
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// CacheLen reports the number of live cache entries (for health probes).
func (p *OpenAIProvider) CacheLen() int {
	return p.cache.len()
}
