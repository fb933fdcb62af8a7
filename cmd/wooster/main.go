// Command wooster runs the personal assistant: it wires the model router,
// knowledge base, scheduler, plugin manager and agent executor, then serves
// an interactive prompt on stdin until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/wooster-ai/wooster/features/model/anthropic"
	"github.com/wooster-ai/wooster/features/model/openai"
	"github.com/wooster-ai/wooster/runtime/agent"
	"github.com/wooster-ai/wooster/runtime/agent/sandbox"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/coretools"
	"github.com/wooster-ai/wooster/runtime/kb"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/plugin"
	"github.com/wooster-ai/wooster/runtime/router"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
	"github.com/wooster-ai/wooster/runtime/telemetry"

	// Compiled-in plugins register their constructors at init time.
	_ "github.com/wooster-ai/wooster/plugins/dailyreview"
	_ "github.com/wooster-ai/wooster/plugins/gtd"
	_ "github.com/wooster-ai/wooster/plugins/health"
	_ "github.com/wooster-ai/wooster/plugins/webtools"
)

// historyLimit caps the conversation messages carried between turns.
const historyLimit = 40

func main() {
	var (
		configPath = flag.String("config", "wooster.yaml", "configuration file path")
		mode       = flag.String("mode", "classic", "agent execution mode: classic or code")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	opts := []log.LogOption{log.WithFormat(log.FormatTerminal)}
	if strings.EqualFold(cfg.Logging.ConsoleLevel, "debug") {
		opts = append(opts, log.WithDebug())
	}
	ctx := log.Context(context.Background(), opts...)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, agent.Mode(*mode)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "wooster exited"})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode agent.Mode) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTelMetrics()
	if cfg.Logging.QuietMode {
		logger = telemetry.NoopLogger{}
	}

	clients, embedder, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	rt, err := router.New(cfg.Routing, clients, embedder, logger, metrics)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	rt.Start(ctx)
	defer rt.Stop()

	kbEmbedder, err := rt.SelectEmbeddingModel(ctx)
	if err != nil {
		logger.Warn(ctx, "no embedding provider, knowledge base runs lexical-only", "error", err)
		kbEmbedder = nil
	}
	kbSvc, err := kb.New(cfg.KnowledgeBase, kbEmbedder, logger, metrics)
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer kbSvc.Close()
	if err := kbSvc.Start(ctx); err != nil {
		return fmt.Errorf("start knowledge base: %w", err)
	}

	sched, err := scheduler.New(cfg.Scheduler.DBPath, nil, logger, metrics)
	if err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}

	reg := tools.NewRegistry()
	box := sandbox.New(reg, cfg.CodeAgent, logger, metrics)
	systemPrompt, err := agent.AssemblePrompt(cfg.Prompts)
	if err != nil {
		return fmt.Errorf("assemble prompt: %w", err)
	}
	if profile, err := kbSvc.ExportNamespace(ctx, "profile"); err == nil && profile != "" {
		systemPrompt += "\n\nWhat you know about the user:\n" + profile
	}
	exec := agent.New(rt, reg, box, systemPrompt, cfg.CodeAgent, cfg.Logging.LogAgentInteractions, logger, metrics)
	sched.SetAgentRunner(exec)

	coretools.Register(reg, coretools.Deps{
		KB:        kbSvc,
		Scheduler: sched,
		Workspace: cfg.Workspace,
		Logger:    logger,
	})

	registry := services.NewRegistry()
	registry.Register(services.NameKnowledgeBase, kbSvc)
	registry.Register(services.NameScheduler, sched)
	registry.Register(services.NameRouter, rt)
	bundle := &services.Bundle{Services: registry, Config: cfg, Logger: logger, Metrics: metrics}

	mgr := plugin.NewManager(bundle, reg, sched)
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	defer mgr.Shutdown(context.Background())

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sched.Shutdown(shutCtx); err != nil {
			logger.Error(shutCtx, err, "scheduler shutdown")
		}
	}()

	logger.Info(ctx, "wooster ready", "plugins", strings.Join(mgr.Loaded(), ","), "mode", string(mode))
	return repl(ctx, exec, mode)
}

// buildProviders constructs the model clients from configuration. When no
// routing providers are declared, the top-level OpenAI settings stand in as
// the single provider named "openai".
func buildProviders(cfg *config.Config) (map[string]model.Client, model.Embedder, error) {
	clients := map[string]model.Client{}
	var embedder model.Embedder

	providers := cfg.Routing.Providers
	if len(providers) == 0 {
		providers = map[string]config.Provider{
			"openai": {Kind: "openai", APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL},
		}
	}
	for name, p := range providers {
		switch p.Kind {
		case "anthropic":
			c, err := anthropic.NewFromAPIKey(p.APIKey, anthropic.Options{
				DefaultModel: cfg.OpenAI.ModelName,
				MaxTokens:    cfg.OpenAI.MaxTokens,
				Temperature:  cfg.OpenAI.Temperature,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = c
		case "openai", "openai-compatible", "":
			c, err := openai.New(openai.Options{
				APIKey:         p.APIKey,
				BaseURL:        p.BaseURL,
				DefaultModel:   cfg.OpenAI.ModelName,
				EmbeddingModel: cfg.OpenAI.EmbeddingModel,
				EmbeddingDims:  cfg.KnowledgeBase.Vector.Dims,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = c
			if embedder == nil && cfg.OpenAI.EmbeddingModel != "" {
				embedder = c
			}
		default:
			return nil, nil, fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
	}
	return clients, embedder, nil
}

// repl reads user turns from stdin until EOF or interrupt.
func repl(ctx context.Context, exec *agent.Executor, mode agent.Mode) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var history []model.Message

	fmt.Println("wooster ready. Type a message, or /quit to exit.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		turn, err := exec.ExecuteTurn(ctx, input, history, mode)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(turn.Answer)
		history = append(history, turn.Messages...)
		if len(history) > historyLimit {
			history = history[len(history)-historyLimit:]
		}
	}
}
