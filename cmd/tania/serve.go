package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/taniahq/tania/pkg/actions"
	"github.com/taniahq/tania/pkg/chatwoot"
	"github.com/taniahq/tania/pkg/config"
	"github.com/taniahq/tania/pkg/db"
	"github.com/taniahq/tania/pkg/embedding"
	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/memory"
	"github.com/taniahq/tania/pkg/pipeline"
	"github.com/taniahq/tania/pkg/queue"
	"github.com/taniahq/tania/pkg/resilience"
	"github.com/taniahq/tania/pkg/server"
	"github.com/taniahq/tania/pkg/summarizer"
	actiontypes "github.com/taniahq/tania/pkg/types/actions"
	"github.com/taniahq/tania/pkg/types/chat"
	"github.com/taniahq/tania/pkg/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the service (web intake, worker pool, or both)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.G(ctx)
	log.WithField("run_mode", cfg.RunMode).Info("starting tania")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := resilience.NewShutdownRegistry(10 * time.Second)

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	shutdown.Register("database", 1, func(context.Context) error { return database.Close() })

	embedder := embedding.NewOpenAIProvider(embedding.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		CacheSize:  cfg.Embedding.CacheSize,
		CacheTTL:   cfg.Embedding.CacheTTL,
	})

	vectorStore := vector.NewStore(database, embedder, vector.Config{
		DefaultThreshold:   cfg.Vector.SimilarityThreshold,
		CategoryThresholds: cfg.Vector.CategoryThresholds,
		MaxResults:         cfg.Vector.MaxResults,
		ErrorSubstrings:    vector.DefaultErrorSubstrings,
	})

	memStore := memory.NewStore(database, embedder)
	mem := memory.New(memStore, memory.Options{
		MaxRecentMessages:       cfg.Memory.MaxRecentMessages,
		MaxSummaries:            cfg.Memory.MaxSummaries,
		FactSimilarityThreshold: cfg.Memory.FactSimilarityThreshold,
	})

	modelRegistry := llm.NewRegistry(cfg.LLM.Model, cfg.LLM.WeakModel, llm.NewSQLKnowledgeStore(database))
	if err := modelRegistry.LoadKnowledge(ctx); err != nil {
		log.WithError(err).Warn("failed to hydrate model knowledge, starting cold")
	}
	llmClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, modelRegistry, llm.RetryConfig{
		Attempts: uint(cfg.LLM.MaxRetries),
	})

	var fetcher knowledge.Fetcher
	if cfg.Knowledge.SheetID != "" {
		fetcher = knowledge.NewSheetsClient(cfg.Knowledge.SheetID, cfg.Knowledge.SheetAPIKey)
	}
	var analyzer *knowledge.SchemaAnalyzer
	if cfg.Knowledge.AutoDiscover {
		analyzer = knowledge.NewSchemaAnalyzer(llmClient)
	}
	hub := knowledge.NewRegistry(fetcher, vectorStore, modelRegistry, analyzer, knowledge.Options{
		SyncInterval: cfg.Knowledge.SyncInterval,
	})

	cw := chatwoot.NewClient(chatwoot.Options{
		BaseURL:  cfg.Chatwoot.BaseURL,
		APIToken: cfg.Chatwoot.APIToken,
		Timeout:  cfg.Chatwoot.Timeout,
	})

	localQueue := resilience.NewLocalQueue(cfg.Queue.LocalConcurrency)
	shutdown.Register("local-queue", 2, func(context.Context) error {
		localQueue.Wait()
		return nil
	})

	bus := buildActionBus(database, cw, localQueue)

	optimized := pipeline.NewOptimized(mem, vectorStore, hub, llmClient, cw.Sender, bus, pipeline.OptimizedOptions{
		CacheThreshold:  cfg.Pipeline.CacheSimThreshold,
		CannedThreshold: cfg.Pipeline.CannedSimThreshold,
		MaxHistory:      cfg.Pipeline.MaxHistory,
		CacheTTL:        cfg.Pipeline.ResponseCacheTTL,
	})
	legacy := pipeline.NewLegacy(mem, vectorStore, hub, llmClient, cw.Sender, bus, pipeline.LegacyOptions{
		MaxHistory:         cfg.Pipeline.MaxHistory,
		SkipValidator:      cfg.Pipeline.SkipValidator,
		MaxRevisions:       cfg.Pipeline.MaxRevisions,
		SuppressedChannels: cfg.Pipeline.SuppressedChannelHints,
	})
	selector := pipeline.NewSelector(optimized, legacy, pipeline.SelectorOptions{
		OptimizedFlow:  cfg.Pipeline.OptimizedFlow,
		OptimizedRatio: cfg.Pipeline.OptimizedRatio,
	})

	broker := queue.New(ctx, cfg.RedisURL, queue.RedisOptions{
		Stream:            cfg.Queue.Stream,
		Group:             cfg.Queue.Group,
		Workers:           cfg.Queue.Workers,
		MaxDeliveries:     cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}, queue.LocalOptions{
		Capacity:    cfg.Queue.BufferSize,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	web := cfg.RunMode == "web" || cfg.RunMode == "both"
	worker := cfg.RunMode == "worker" || cfg.RunMode == "both"

	// Background schedulers close before the queue drains.
	shutdown.Register("schedulers", 3, func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		if err := hub.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("knowledge registry stopped")
		}
	}()

	if worker {
		summarize := summarizer.New(memStore, llmClient, vectorStore, summarizer.Options{
			CycleInterval:         cfg.Memory.CycleInterval,
			SummarizeAfter:        cfg.Memory.SummarizeAfter,
			MinMessagesForSummary: cfg.Memory.MinMessagesForSummary,
			MaxMessagesPerSummary: cfg.Memory.MaxMessagesPerSummary,
			IncludeSystemMessages: cfg.Memory.SummarizeIncludeSystem,
			ExtractFacts:          cfg.Memory.FactExtraction,
			MessageRetention:      cfg.Memory.Retention,
		})
		go func() {
			if err := summarize.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("summarizer stopped")
			}
		}()

		go runActionSweeper(runCtx, bus)

		handler := func(ctx context.Context, job chat.Job) error {
			_, err := selector.Handle(ctx, pipeline.Request{
				ConversationID: job.ConversationID,
				AccountID:      job.AccountID,
				ContactID:      job.ContactID,
				Message:        job.Message,
			})
			return err
		}
		if err := broker.Start(runCtx, handler); err != nil {
			return errors.Wrap(err, "failed to start queue consumers")
		}
		shutdown.Register("queue", 5, func(context.Context) error { return broker.Close() })
	}

	if web {
		srv := server.New(broker, hub, modelRegistry, llmClient, database, server.Options{
			Host:         cfg.Host,
			Port:         cfg.Port,
			SharedSecret: cfg.SharedSecret,
			AdminToken:   cfg.AdminToken,
		})
		go func() {
			if err := srv.Start(runCtx); err != nil {
				log.WithError(err).Error("http server stopped")
				cancel()
			}
		}()
		shutdown.Register("http", 10, srv.Shutdown)
	}

	return shutdown.Listen(runCtx)
}

// buildActionBus wires the action lifecycle with the handlers this deployment
// can serve. Staff notifications fan out through the bounded local queue.
func buildActionBus(database *sqlx.DB, cw *chatwoot.Client, localQueue *resilience.LocalQueue) *actions.Bus {
	store := actions.NewSQLStore(database)

	internal := actions.NewInternalHandler(nil)
	internal.Register("notify_staff", func(ctx context.Context, payload, _ json.RawMessage) (json.RawMessage, error) {
		var p struct {
			AccountID       string   `json:"account_id"`
			ConversationIDs []string `json:"conversation_ids"`
			Message         string   `json:"message"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errors.Wrap(actions.ErrInvalidPayload, err.Error())
		}
		if p.Message == "" || len(p.ConversationIDs) == 0 {
			return nil, errors.Wrap(actions.ErrInvalidPayload, "message and conversation_ids are required")
		}
		for _, conversationID := range p.ConversationIDs {
			id := conversationID
			// The send outlives the action's execution deadline on purpose.
			sendCtx := context.WithoutCancel(ctx)
			if err := localQueue.Go(ctx, func(context.Context) {
				if err := cw.CreateMessage(sendCtx, p.AccountID, id, p.Message, chatwoot.MessageNote); err != nil {
					logger.G(sendCtx).WithError(err).WithField("conversation_id", id).Warn("staff notification failed")
				}
			}); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(fmt.Sprintf(`{"notified":%d}`, len(p.ConversationIDs))), nil
	})

	handlers := map[actiontypes.HandlerKind]actions.Handler{
		actiontypes.HandlerChatwoot: actions.NewChatwootHandler(cw),
		actiontypes.HandlerInternal: internal,
	}
	executor := actions.NewExecutor(store, handlers, actions.ExecutorOptions{})
	return actions.NewBus(store, actions.DefaultRegistry(), executor, nil, actions.BusOptions{})
}

func runActionSweeper(ctx context.Context, bus *actions.Bus) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := bus.ExpireStale(ctx)
			if err != nil {
				logger.G(ctx).WithError(err).Warn("action expiry sweep failed")
			} else if swept > 0 {
				logger.G(ctx).WithField("count", swept).Info("expired stale actions")
			}
		}
	}
}
