package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/databases"
	"github.com/matrixagent/matrix/pkg/embedders"
	"github.com/matrixagent/matrix/pkg/event"
	"github.com/matrixagent/matrix/pkg/llm"
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/memory"
	"github.com/matrixagent/matrix/pkg/observability"
	"github.com/matrixagent/matrix/pkg/session"
	"github.com/matrixagent/matrix/pkg/tools"
)

// ChatCmd runs an interactive REPL against one session.
type ChatCmd struct {
	Session string `help:"Session id to chat under. A fresh id keeps history separate." default:""`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return err
	}

	manager, cleanup, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer manager.Shutdown()

	sessionID := c.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	fmt.Printf("matrix chat (session %s) - Ctrl+D to exit\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		result, err := manager.Run(ctx, sessionID, input, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(result.Response)
		// Memory work is fire-and-forget in the REPL.
		go func() { _ = result.Background.Wait() }()
	}
	return scanner.Err()
}

// buildRuntime wires the process-wide collaborators: event bus,
// metrics, embedder, vector store, memory engines, tool manager, and
// the session manager.
func buildRuntime(ctx context.Context, cfg *config.Config) (*session.Manager, func(), error) {
	bus := event.NewBus()

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)
	observability.BindBus(bus, metrics)
	if cfg.Metrics.Enabled {
		go func() {
			if err := observability.ServeMetrics(observability.MetricsConfig{Port: cfg.Metrics.Port}); err != nil {
				slog.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var embedder embedders.EmbedderProvider
	if cfg.Embedding.Type != "" && !embedders.Disabled() {
		registry := embedders.NewEmbedderRegistry()
		embedder, err = registry.CreateEmbedderFromConfig("default", &cfg.Embedding)
		if err != nil {
			slog.Warn("Embedder unavailable, memory pipelines disabled", "error", err)
			embedder = nil
		} else {
			closers = append(closers, func() { _ = embedder.Close() })
		}
	}

	var vectorDB databases.DatabaseProvider
	if cfg.VectorStore.Type != "" && embedder != nil {
		registry := databases.NewDatabaseRegistry()
		vectorDB, err = registry.CreateDatabaseFromConfig("default", &cfg.VectorStore)
		if err != nil {
			slog.Warn("Vector store unavailable, memory pipelines disabled", "error", err)
			vectorDB = nil
		} else {
			closers = append(closers, func() { _ = vectorDB.Close() })
		}
	}

	toolManager := tools.NewManager(tools.ManagerConfigFromEnv(), nil)
	for _, serverCfg := range cfg.MCPServers {
		source, err := tools.NewMCPToolSource(serverCfg)
		if err != nil {
			slog.Warn("Skipping MCP server", "server", serverCfg.Name, "error", err)
			continue
		}
		toolManager.AddMCPSource(source)
	}

	decisionLLM, err := decisionService(&cfg.LLM, bus)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	evalLLM := decisionLLM
	if cfg.Evaluation != nil {
		evalLLM, err = decisionService(cfg.Evaluation, bus)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("evaluation llm: %w", err)
		}
	}

	var knowledge *memory.KnowledgeEngine
	var reflection *memory.ReflectionEngine
	if embedder != nil && vectorDB != nil {
		knowledge = memory.NewKnowledgeEngine(vectorDB, embedder, memory.NewDecisionEngine(decisionLLM), bus, cfg.Memory)
		reflection = memory.NewReflectionEngine(toolManager, evalLLM, bus, cfg.Memory)

		if !config.EnvBool("DISABLE_DEFAULT_MEMORY") || config.EnvBool("USE_WORKSPACE_MEMORY") {
			if err := toolManager.Internal().Register(memory.NewMemoryTool(knowledge)); err != nil {
				return nil, nil, err
			}
		}
		if err := toolManager.Internal().RegisterHidden(memory.NewExtractReasoningTool()); err != nil {
			return nil, nil, err
		}
		storeTool := memory.NewStoreReasoningTool(vectorDB, embedder, cfg.Memory.ReflectionCollection)
		if err := toolManager.Internal().RegisterHidden(storeTool); err != nil {
			return nil, nil, err
		}
	}

	services := &session.Services{
		Config:     cfg,
		Tools:      toolManager,
		Bus:        bus,
		Knowledge:  knowledge,
		Reflection: reflection,
	}
	manager := session.NewManager(services)

	if session.AskMatrixEnabled() {
		if err := toolManager.Internal().Register(session.NewAskMatrixTool(manager)); err != nil {
			return nil, nil, err
		}
	}

	return manager, cleanup, nil
}

// decisionService builds the single-shot LLM used by the memory
// decision and reasoning evaluation paths.
func decisionService(cfg *config.LLMConfig, bus *event.Bus) (*llm.Service, error) {
	provider, err := llms.NewProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm provider: %w", err)
	}
	return llm.NewService(provider, cfg.Provider, nil, bus), nil
}
