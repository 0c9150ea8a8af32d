package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/deskflowhq/deskflow/actions"
	"github.com/deskflowhq/deskflow/config"
	"github.com/deskflowhq/deskflow/graph"
	"github.com/deskflowhq/deskflow/observe"
	otelsink "github.com/deskflowhq/deskflow/observe/otel"
	providerfactory "github.com/deskflowhq/deskflow/providers/factory"
	"github.com/deskflowhq/deskflow/server"
	statefactory "github.com/deskflowhq/deskflow/state/factory"
	"github.com/deskflowhq/deskflow/tools"
)

const defaultSupervisorPrompt = "You are the customer service supervisor for this company. " +
	"Greet the customer, understand their request, and route it to the case agent " +
	"that matches it. Answer small talk and general questions yourself."

// defaultConfigPath is the flow configuration shipped with the repo, so the
// binary boots without any setup. Point DESKFLOW_CONFIG at your own file for
// a real deployment.
const defaultConfigPath = "./flow.example.json"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("deskflow: %v", err)
	}
}

func run(ctx context.Context) error {
	provider, err := providerfactory.FromEnv(ctx)
	if err != nil {
		return fmt.Errorf("provider setup failed: %w", err)
	}

	store, err := statefactory.FromEnv(ctx)
	if err != nil {
		return fmt.Errorf("state store setup failed: %w", err)
	}
	defer store.Close()

	erp, err := actions.NewERPStore(getenv("DESKFLOW_ERP_PATH", "./.deskflow/erp.db"))
	if err != nil {
		return fmt.Errorf("erp store setup failed: %w", err)
	}
	defer erp.Close()
	if envEnabled("DESKFLOW_ERP_SEED") {
		if err := seedDemoData(ctx, erp); err != nil {
			return fmt.Errorf("erp seed failed: %w", err)
		}
	}

	registry := tools.NewRegistry()
	if err := actions.RegisterTools(registry, erp); err != nil {
		return fmt.Errorf("tool registration failed: %w", err)
	}

	cfg, err := config.Load(getenv("DESKFLOW_CONFIG", defaultConfigPath))
	if err != nil {
		return err
	}
	specs, err := config.NodeSpecs(cfg, getenv("DESKFLOW_CHANNEL_TYPE_ID", ""), registry)
	if err != nil {
		return err
	}

	var observer observe.Sink = observe.NoopSink{}
	if envEnabled("DESKFLOW_OTEL") {
		observer = observe.NewAsyncSink(otelsink.NewSink(nil), 256)
	}

	b := graph.NewBuilder(graph.Runtime{
		Provider:      provider,
		Store:         store,
		Observer:      observer,
		StepBudget:    getenvInt("DESKFLOW_STEP_BUDGET", 0),
		MaxHops:       getenvInt("DESKFLOW_MAX_HOPS", 0),
		MaxIterations: getenvInt("DESKFLOW_MAX_ITERATIONS", 0),
	})
	b.Supervisor("supervisor", getenv("DESKFLOW_SUPERVISOR_PROMPT", defaultSupervisorPrompt))
	for _, spec := range specs {
		b.AddAgent(spec)
	}
	g, err := b.Compile()
	if err != nil {
		return fmt.Errorf("graph compilation failed: %w", err)
	}

	addr := getenv("DESKFLOW_ADDR", ":"+getenv("PORT", "8080"))
	srv, err := server.NewServer(server.Config{Addr: addr, Graph: g, Store: store})
	if err != nil {
		return err
	}

	log.Printf("deskflow listening on %s (provider=%s, agents=%d)", addr, provider.Name(), len(specs))
	return srv.ListenAndServe(ctx)
}

// seedDemoData loads a small fixture set for local development.
func seedDemoData(ctx context.Context, erp *actions.ERPStore) error {
	if err := erp.SeedCustomer(ctx, "ada@example.com", "12 Baker Street, London", "DOC-1001"); err != nil {
		return err
	}
	return erp.SeedOrder(ctx, actions.Order{
		OrderID:     "12345",
		EmailID:     "ada@example.com",
		Status:      "delivered",
		AmountCents: 7999,
	})
}
