package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taniahq/tania/pkg/db"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and maintain model capability knowledge",
}

var modelsProbeCmd = &cobra.Command{
	Use:   "probe <model>",
	Short: "Probe a model's parameter capabilities and persist the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return err
		}
		defer database.Close()

		registry := llm.NewRegistry(cfg.LLM.Model, cfg.LLM.WeakModel, llm.NewSQLKnowledgeStore(database))
		client := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, registry, llm.RetryConfig{})

		caps, err := client.Probe(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(caps, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var modelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload model knowledge from the database and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return err
		}
		defer database.Close()

		registry := llm.NewRegistry(cfg.LLM.Model, cfg.LLM.WeakModel, llm.NewSQLKnowledgeStore(database))
		if err := registry.LoadKnowledge(ctx); err != nil {
			return err
		}
		entries := registry.Knowledge()
		logger.G(ctx).WithField("count", len(entries)).Info("model knowledge loaded")
		for _, entry := range entries {
			raw, err := json.Marshal(entry.Capabilities)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", entry.Model, raw)
		}
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsProbeCmd)
	modelsCmd.AddCommand(modelsSyncCmd)
}
