package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/okrlinkhub/agent-bridge/internal/agent"
	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/config"
	"github.com/okrlinkhub/agent-bridge/internal/functions"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/permission"
)

const demoAgentName = "demo-agent"

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo agent allowed to call the demo functions",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoRules = []model.PermissionRule{
	{Pattern: "demo.list*", Permission: model.PermissionAllow},
	{Pattern: "demo.getItem", Permission: model.PermissionAllow},
	{Pattern: "demo.create*", Permission: model.PermissionRateLimited, RateLimit: &model.RateLimitConfig{RequestsPerHour: 10}},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		return errors.New("seed requires the postgres driver")
	}

	ctx := context.Background()
	st, _, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	agents := agent.NewService(st, cfg.Gateway.DefaultAgentRateLimit)

	existing, err := agents.List(ctx, agent.ListParams{})
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	for _, a := range existing {
		if a.Name == demoAgentName {
			slog.Info("demo data already exists, skipping seed", "agent_id", a.ID)
			return nil
		}
	}

	rateLimit := 120
	ag, plaintext, err := agents.Create(ctx, agent.CreateAgentInput{
		Name:      demoAgentName,
		RateLimit: &rateLimit,
	})
	if err != nil {
		return fmt.Errorf("creating demo agent: %w", err)
	}

	defs := functions.DemoDefinitions()
	keys := make([]string, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	if _, err := permission.NewService(st, keys).SetRules(ctx, ag.ID, "", demoRules); err != nil {
		return fmt.Errorf("setting demo rules: %w", err)
	}

	slog.Info("created demo agent", "id", ag.ID, "name", ag.Name)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Agent:     %s (%s)\n", ag.Name, ag.ID)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("Rules:     %d\n", len(demoRules))
	fmt.Printf("\nStart the server with gateway.demo_functions enabled, then try:\n")
	fmt.Printf("  curl -X POST -H '%s: %s' -d '{\"functionKey\":\"demo.listItems\"}' http://localhost:%d%s/execute\n",
		auth.HeaderAPIKey, plaintext, cfg.Server.Port, cfg.Gateway.PathPrefix)

	return nil
}
