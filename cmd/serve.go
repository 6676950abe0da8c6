package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"graphchat/internal/chat"
	"graphchat/internal/checkpoint"
	"graphchat/internal/config"
	"graphchat/internal/graph"
	"graphchat/internal/logger"
	"graphchat/internal/node"
	promptstore "graphchat/internal/prompt"
	providerfactory "graphchat/internal/provider/factory"
	"graphchat/internal/server"
	"graphchat/internal/tool"
	"graphchat/internal/tracer"
)

const serveUsage = `Usage:
  graphchat serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeLog()) }()
	slog.SetDefault(log)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() {
		if shutdownErr := shutdownTracer(context.WithoutCancel(ctx)); shutdownErr != nil {
			log.Warn("tracer shutdown failed", "error", shutdownErr)
		}
	}()

	store, err := checkpoint.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Warn("checkpoint store close failed", "error", closeErr)
		}
	}()
	log.Info("checkpoint store ready", "driver", cfg.Database.Driver)

	client, err := providerfactory.NewClient(cfg, log)
	if err != nil {
		return err
	}

	tools, err := tool.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	prompts, err := promptstore.NewStore(cfg.Paths.PromptsDir, promptVars())
	if err != nil {
		return err
	}
	log.Info("services initialized", "tools", tools.Names(), "prompts_dir", cfg.Paths.PromptsDir)

	metrics := tracer.NewMetrics()
	llm := node.NewLLM(client, tools.Schemas(), prompts,
		node.WithLogger(log.With("node", node.LLMName)),
		node.WithMetrics(metrics),
	)

	g, err := chat.NewGraph(llm.Invoke, tools, store, log,
		graph.WithMaxIterations(cfg.Chat.MaxIterations),
		graph.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("compile chat graph: %w", err)
	}

	srv, err := server.New(cfg, chat.NewService(g), log)
	if err != nil {
		return err
	}

	err = srv.Run(ctx)
	log.Info("shutting down services")
	return err
}
