package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ax/internal/adapter/browser"
	"ax/internal/adapter/channel"
	"ax/internal/adapter/ipc"
	"ax/internal/adapter/llm"
	"ax/internal/adapter/memory"
	"ax/internal/adapter/sandbox"
	"ax/internal/adapter/skill"
	"ax/internal/adapter/store"
	"ax/internal/adapter/web"
	"ax/internal/domain"
	"ax/internal/infra/config"
	"ax/internal/infra/logger"
	"ax/internal/infra/tracer"
	"ax/internal/security"
	"ax/internal/usecase"
)

const sweepInterval = 6 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "configure" {
		if err := runConfigure(); err != nil {
			fmt.Fprintln(os.Stderr, "ax:", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to ax.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "ax:", err)
		os.Exit(1)
	}
}

// runConfigure writes the default configuration skeleton under the home
// directory. The interactive wizard sits on top of this file.
func runConfigure() error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}
	path := filepath.Join(home, "ax.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Println("config already exists:", path)
		return nil
	}
	data, err := yaml.Marshal(config.Defaults())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	envPath := filepath.Join(home, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		env := "# ANTHROPIC_API_KEY=\n# SLACK_BOT_TOKEN=\n# SLACK_APP_TOKEN=\n"
		if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
			return err
		}
	}
	fmt.Println("wrote", path)
	return nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	profile := domain.Profile(cfg.Security.Profile)
	if !profile.Valid() {
		return fmt.Errorf("unknown security profile %q", cfg.Security.Profile)
	}

	// Storage.
	queue, err := store.NewSQLiteQueue(cfg.MessagesDB())
	if err != nil {
		return err
	}
	defer queue.Close()
	convs, err := store.NewSQLiteConversations(cfg.ConversationsDB())
	if err != nil {
		return err
	}
	defer convs.Close()
	sessions, err := store.NewSQLiteSessions(cfg.MessagesDB())
	if err != nil {
		return err
	}
	defer sessions.Close()
	audit, err := security.NewFileAuditLog(cfg.AuditPath())
	if err != nil {
		return err
	}
	defer audit.Close()
	identity, err := store.NewFSIdentityStore(cfg.AgentsDir())
	if err != nil {
		return err
	}
	registry, err := store.NewFileRegistry(cfg.RegistryPath())
	if err != nil {
		return err
	}
	skills, err := skill.NewStore(cfg.SkillsDir())
	if err != nil {
		return err
	}
	memories, err := memory.NewMarkdownStore(filepath.Join(cfg.DataDir(), "memory"))
	if err != nil {
		return err
	}

	if err := ensureAgent(ctx, registry, cfg.Agent); err != nil {
		return err
	}

	// In-flight rows left behind by a crash become failed at boot.
	if n, err := queue.RecoverStale(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn("recovered stale in-flight messages", "count", n)
	}

	// Trust boundary.
	scanner := security.NewRegexScanner()
	budget := security.NewBudget(profile)
	vault := security.NewCanaryVault()
	router := usecase.NewRouter(scanner, budget, queue, vault, audit, log)

	// Spawn pipeline.
	box := sandbox.NewSubprocessSandbox(log)
	orch := usecase.NewOrchestrator(usecase.OrchestratorConfig{
		WorkspacesDir:      cfg.WorkspacesDir(),
		SkillsDir:          cfg.SkillsDir(),
		IPCSocket:          cfg.IPCSocket(),
		Command:            cfg.Sandbox.Command,
		SandboxType:        cfg.Sandbox.Type,
		TimeoutSec:         cfg.Sandbox.TimeoutSec,
		MemoryMB:           cfg.Sandbox.MemoryMB,
		Profile:            profile,
		AgentID:            cfg.Agent.ID,
		AgentName:          cfg.Agent.Name,
		MaxTurns:           cfg.Conversation.MaxTurns,
		ThreadContextTurns: cfg.Conversation.ThreadContextTurns,
	}, router, queue, convs, budget, identity, box, log)
	orch.SyncSkills = skill.SyncSnapshot
	if cfg.LLM.APIKey != "" {
		proxy, err := llm.NewCredentialProxy(cfg.LLM.APIKey, cfg.LLM.BaseURL, log)
		if err != nil {
			return err
		}
		orch.Proxy = proxy
	}

	// Slack channel, when configured.
	var slackCh *channel.SlackChannel
	var deliveryCh domain.Channel
	if cfg.Slack != nil && cfg.Slack.BotToken != "" {
		slackCh = channel.NewSlackChannel(cfg.Slack.BotToken, cfg.Slack.AppToken,
			cfg.Agent.ID, cfg.Slack.ChannelIDs, cfg.Slack.MentionOnly, log)
		deliveryCh = slackCh
	}

	// Scheduler.
	dispatcher := usecase.NewDispatcher(cfg.JobsPath(), router, orch, sessions, deliveryCh, log)

	// IPC gateway.
	provider := llm.NewBreakerProvider(llm.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, log), log)
	webProvider := web.NewProvider(cfg.Web.SearchURL, log)
	chrome := browser.NewChromeProvider(log)
	defer chrome.Close()
	delegator := usecase.NewDelegator(cfg.Delegation.MaxConcurrent, cfg.Delegation.MaxDepth,
		router, orch, audit, cfg.Agent.ID, log)
	policy := &ipc.IdentityPolicy{
		Scanner: scanner,
		Taint:   budget,
		Store:   identity,
		Audit:   audit,
		Profile: profile,
		Log:     log,
	}

	gateway := ipc.NewServer(cfg.IPCSocket(), log, audit, budget,
		cfg.IPC.ActionTimeout, cfg.IPC.LLMActionTimeout)
	gateway.Register(ipc.ActionLLMCall, ipc.LLMCallHandler(provider, cfg.LLM.Model, cfg.LLM.MaxTokens))
	ipc.RegisterMemoryHandlers(gateway, memories)
	ipc.RegisterWebHandlers(gateway, webProvider)
	ipc.RegisterBrowserHandlers(gateway, chrome)
	ipc.RegisterSkillHandlers(gateway, security.NewSkillGate(skills), skills)
	ipc.RegisterSchedulerHandlers(gateway, dispatcher)
	gateway.Register(ipc.ActionIdentityWrite, ipc.IdentityWriteHandler(policy))
	gateway.Register(ipc.ActionUserWrite, ipc.UserWriteHandler(policy))
	gateway.Register(ipc.ActionAgentDelegate, ipc.AgentDelegateHandler(delegator.Delegate))
	gateway.Register(ipc.ActionAuditQuery, ipc.AuditQueryHandler(audit))
	go func() {
		if err := gateway.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error("ipc gateway stopped", "error", err)
		}
	}()

	// HTTP surface.
	httpSrv := channel.NewHTTPServer(cfg.HTTPSocket(), cfg.Agent.Name,
		cfg.HTTP.RequestsPerMin, cfg.HTTP.Burst, httpProcess(router, orch, queue), log)
	if err := httpSrv.Start(); err != nil {
		return err
	}

	if slackCh != nil {
		ingestor := usecase.NewIngestor(slackCh, router, orch, convs, sessions,
			identity, cfg.Agent.ID, log)
		ingestor.Register()
		if err := slackCh.Connect(ctx); err != nil {
			return err
		}
	}

	if cfg.Scheduler.Enabled {
		if err := dispatcher.Start(); err != nil {
			return err
		}
	}

	go sweepLoop(ctx, cfg, audit, log)

	log.Info("ax host running",
		"agent", cfg.Agent.ID,
		"profile", profile,
		"http", cfg.HTTPSocket(),
		"ipc", cfg.IPCSocket())

	waitForShutdown(log)

	// Teardown order: scheduler, channels, HTTP, IPC, storage, sockets.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if cfg.Scheduler.Enabled {
		dispatcher.Stop()
	}
	if slackCh != nil {
		if err := slackCh.Disconnect(shutdownCtx); err != nil {
			log.Error("slack disconnect failed", "error", err)
		}
	}
	if err := httpSrv.Close(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := gateway.Close(); err != nil {
		log.Error("ipc shutdown failed", "error", err)
	}
	cancel()
	log.Info("ax host stopped")
	return nil
}

// httpProcess adapts the turn pipeline to the OpenAI-compatible surface.
func httpProcess(router *usecase.Router, orch *usecase.Orchestrator, queue domain.MessageQueue) channel.ProcessFunc {
	return func(ctx context.Context, msg domain.InboundMessage, history []domain.ChatMessage) (string, string, error) {
		sessionID, _ := channel.SessionIDFromContext(ctx)

		result, err := router.ProcessInbound(ctx, msg, sessionID)
		if err != nil {
			return "", "", err
		}
		if !result.Queued {
			reason := result.BlockReason
			if reason == "" {
				reason = "content policy"
			}
			return "Request blocked: " + reason, "content_filter", nil
		}

		queued, err := queue.DequeueByID(ctx, result.MessageID)
		if err != nil {
			return "", "", err
		}
		turn, err := orch.RunTurn(ctx, queued, usecase.TurnOptions{
			ClientHistory: history,
			UserID:        msg.Sender,
		})
		if err != nil {
			return "", "", err
		}
		finish := "stop"
		if turn.CanaryLeaked {
			finish = "content_filter"
		}
		return turn.Content, finish, nil
	}
}

// ensureAgent registers the configured agent on first boot.
func ensureAgent(ctx context.Context, registry domain.AgentRegistry, agent config.AgentConfig) error {
	if _, err := registry.Get(ctx, agent.ID); err == nil {
		return nil
	}
	err := registry.Register(ctx, domain.AgentRecord{
		ID:     agent.ID,
		Name:   agent.Name,
		Status: domain.AgentActive,
	})
	if err != nil {
		return fmt.Errorf("register agent %q: %w", agent.ID, err)
	}
	return nil
}

// sweepLoop removes stale persistent-session workspaces and enforces audit
// retention.
func sweepLoop(ctx context.Context, cfg *config.Config, audit *security.FileAuditLog, log *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		n, err := usecase.SweepWorkspaces(cfg.WorkspacesDir(), cfg.Sandbox.SweepMaxAge)
		if err != nil {
			log.Error("workspace sweep failed", "error", err)
		} else if n > 0 {
			log.Info("swept stale workspaces", "count", n)
		}
		if cfg.Security.AuditRetention > 0 {
			removed, err := audit.EnforceRetention(cfg.Security.AuditRetention)
			if err != nil {
				log.Error("audit retention failed", "error", err)
			} else if removed > 0 {
				log.Info("expired audit entries removed", "count", removed)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var shuttingDown atomic.Bool

// waitForShutdown blocks on SIGINT/SIGTERM. A second signal while shutting
// down is ignored.
func waitForShutdown(log *slog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("shutting down", "signal", sig.String())
	shuttingDown.Store(true)

	go func() {
		for s := range sigs {
			if shuttingDown.Load() {
				log.Info("already shutting down, ignoring signal", "signal", s.String())
			}
		}
	}()
}
