package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ax/internal/domain"
)

// failurePrefix opens every user-visible diagnostic for a failed turn.
const failurePrefix = "Agent processing failed:"

// TurnProxy is a per-turn credential-injecting proxy. Start binds it to a
// socket inside the workspace; Stop tears it down when the turn ends.
type TurnProxy interface {
	Start(socketPath string) error
	Stop()
}

// TurnOptions carries per-turn context that is not on the queued row.
type TurnOptions struct {
	// Address locates the session on its channel. Zero for HTTP turns.
	Address domain.SessionAddress
	// ClientHistory replaces stored history for ephemeral sessions.
	ClientHistory []domain.ChatMessage
	UserID        string
	// ReplyOptional lets the agent abstain by returning empty stdout.
	ReplyOptional bool
}

// TurnResult is the outcome of one agent turn.
type TurnResult struct {
	Content      string
	CanaryLeaked bool
	Failed       bool
}

// OrchestratorConfig is the static part of the spawn pipeline.
type OrchestratorConfig struct {
	WorkspacesDir      string
	SkillsDir          string
	IPCSocket          string
	Command            []string
	SandboxType        string
	TimeoutSec         int
	MemoryMB           int
	Profile            domain.Profile
	AgentID            string
	AgentName          string
	MaxTurns           int
	ThreadContextTurns int
}

// Orchestrator runs one agent process per dequeued message: workspace,
// skills snapshot, history, spawn, drain, outbound screening, persistence.
// The queue invariant guarantees at most one turn per session at a time.
type Orchestrator struct {
	cfg      OrchestratorConfig
	router   *Router
	queue    domain.MessageQueue
	convs    domain.ConversationStore
	taint    domain.TaintBudget
	identity domain.IdentityStore
	sandbox  domain.Sandbox
	log      *slog.Logger

	// SyncSkills refreshes the workspace skills snapshot each turn.
	SyncSkills func(hostDir, workspaceDir string) error
	// Proxy, when set, runs for exactly the duration of each turn.
	Proxy TurnProxy
	// Memorize, when set, observes each completed exchange.
	Memorize func(ctx context.Context, sessionID, userContent, assistantContent string)
}

// NewOrchestrator builds the spawn pipeline.
func NewOrchestrator(cfg OrchestratorConfig, router *Router, queue domain.MessageQueue, convs domain.ConversationStore, taint domain.TaintBudget, identity domain.IdentityStore, sandbox domain.Sandbox, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		router:   router,
		queue:    queue,
		convs:    convs,
		taint:    taint,
		identity: identity,
		sandbox:  sandbox,
		log:      log,
	}
}

// RunTurn processes one queued message end to end. Exactly one of
// queue.Complete or queue.Fail is called for the message.
func (o *Orchestrator) RunTurn(ctx context.Context, queued *domain.QueuedMessage, opts TurnOptions) (TurnResult, error) {
	sessionID := queued.SessionID
	ephemeral := domain.IsEphemeralSessionID(sessionID)

	workspace, err := o.materializeWorkspace(sessionID, ephemeral)
	if err != nil {
		o.failMessage(ctx, queued.ID)
		return TurnResult{}, domain.WrapOp("Orchestrator.RunTurn", err)
	}
	defer func() {
		o.router.ReleaseCanary(sessionID)
		if ephemeral {
			os.RemoveAll(workspace)
		}
	}()

	skillsDir := filepath.Join(workspace, "skills")
	if o.SyncSkills != nil {
		if err := o.SyncSkills(o.cfg.SkillsDir, skillsDir); err != nil {
			o.log.Warn("skill snapshot sync failed", "session", sessionID, "error", err)
		}
	}

	history, err := o.loadHistory(ctx, sessionID, opts)
	if err != nil {
		o.failMessage(ctx, queued.ID)
		return TurnResult{}, domain.WrapOp("Orchestrator.RunTurn", err)
	}

	if o.Proxy != nil {
		proxySocket := filepath.Join(workspace, "llm-proxy.sock")
		if err := o.Proxy.Start(proxySocket); err != nil {
			o.failMessage(ctx, queued.ID)
			return TurnResult{}, domain.WrapOp("Orchestrator.RunTurn", err)
		}
		defer o.Proxy.Stop()
	}

	stdout, stderr, exitCode, err := o.spawn(ctx, queued, workspace, skillsDir, history, opts)
	if err != nil {
		o.failMessage(ctx, queued.ID)
		return TurnResult{}, domain.WrapOp("Orchestrator.RunTurn", err)
	}
	if exitCode != 0 {
		o.failMessage(ctx, queued.ID)
		diag := diagnoseFailure(stderr, exitCode)
		o.log.Warn("agent process failed", "session", sessionID, "exit", exitCode)
		return TurnResult{Content: diag, Failed: true}, nil
	}

	response := strings.TrimSpace(stdout)
	if response == "" && opts.ReplyOptional {
		// The agent chose to abstain.
		if err := o.queue.Complete(ctx, queued.ID); err != nil {
			o.log.Error("queue complete failed", "message", queued.ID, "error", err)
		}
		return TurnResult{}, nil
	}

	out := o.router.ProcessOutbound(ctx, response, sessionID, o.router.Canary(sessionID))

	if !ephemeral {
		userContent := stripCanary(queued.Content, o.router.Canary(sessionID))
		o.persistTurns(ctx, sessionID, userContent, queued.Sender, out.Content)
	}
	if err := o.queue.Complete(ctx, queued.ID); err != nil {
		o.log.Error("queue complete failed", "message", queued.ID, "error", err)
	}
	if o.Memorize != nil {
		o.Memorize(ctx, sessionID, stripCanary(queued.Content, o.router.Canary(sessionID)), out.Content)
	}

	return TurnResult{Content: out.Content, CanaryLeaked: out.CanaryLeaked}, nil
}

// materializeWorkspace creates (or reuses) the turn's working directory.
func (o *Orchestrator) materializeWorkspace(sessionID string, ephemeral bool) (string, error) {
	if ephemeral {
		return os.MkdirTemp("", "ax-ws-")
	}
	rel, err := domain.WorkspaceRelPath(sessionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(o.cfg.WorkspacesDir, rel)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("materialize workspace: %w", err)
	}
	return dir, nil
}

// loadHistory assembles the turn's conversation context. Thread sessions
// get the parent channel's tail prepended, de-duplicating the boundary
// turn by (content, sender).
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string, opts TurnOptions) ([]domain.ConversationTurn, error) {
	if domain.IsEphemeralSessionID(sessionID) {
		turns := make([]domain.ConversationTurn, 0, len(opts.ClientHistory))
		for _, m := range opts.ClientHistory {
			turns = append(turns, domain.ConversationTurn{
				SessionID: sessionID,
				Role:      m.Role,
				Content:   m.Content,
			})
		}
		return turns, nil
	}

	turns, err := o.convs.Load(ctx, sessionID, o.cfg.MaxTurns)
	if err != nil {
		return nil, err
	}

	if opts.Address.Scope != domain.ScopeThread || o.cfg.ThreadContextTurns <= 0 {
		return turns, nil
	}
	parentID, err := opts.Address.ParentChannelID()
	if err != nil {
		return turns, nil
	}
	parent, err := o.convs.Load(ctx, parentID, o.cfg.ThreadContextTurns)
	if err != nil || len(parent) == 0 {
		return turns, nil
	}
	if len(turns) > 0 {
		last := parent[len(parent)-1]
		first := turns[0]
		if last.Content == first.Content && last.Sender == first.Sender {
			parent = parent[:len(parent)-1]
		}
	}
	return append(parent, turns...), nil
}

// spawn runs the agent process and drains both pipes concurrently.
// Sequential draining can deadlock when one pipe buffer fills while the
// other is being read.
func (o *Orchestrator) spawn(ctx context.Context, queued *domain.QueuedMessage, workspace, skillsDir string, history []domain.ConversationTurn, opts TurnOptions) (stdout, stderr string, exitCode int, err error) {
	proc, err := o.sandbox.Spawn(ctx, domain.SpawnSpec{
		Command:    o.cfg.Command,
		Workspace:  workspace,
		SkillsDir:  skillsDir,
		IPCSocket:  o.cfg.IPCSocket,
		AgentDir:   o.identity.AgentDir(o.cfg.AgentID),
		TimeoutSec: o.cfg.TimeoutSec,
		MemoryMB:   o.cfg.MemoryMB,
	})
	if err != nil {
		return "", "", 0, err
	}

	state := o.taint.State(queued.SessionID)
	identity, _ := o.identity.Read(o.cfg.AgentID, domain.FileIdentity)
	soul, _ := o.identity.Read(o.cfg.AgentID, domain.FileSoul)
	payload := domain.StdinPayload{
		History:        history,
		Message:        queued.Content,
		TaintRatio:     state.Ratio(),
		TaintThreshold: o.cfg.Profile.Threshold(),
		Profile:        o.cfg.Profile,
		SandboxType:    o.cfg.SandboxType,
		UserID:         opts.UserID,
		ReplyOptional:  opts.ReplyOptional,
		AgentID:        o.cfg.AgentID,
		AgentName:      o.cfg.AgentName,
		Identity:       identity,
		Soul:           soul,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.reap(ctx, proc)
		return "", "", 0, fmt.Errorf("encode stdin payload: %w", err)
	}
	if _, err := proc.Stdin().Write(data); err != nil {
		o.reap(ctx, proc)
		return "", "", 0, fmt.Errorf("write stdin payload: %w", err)
	}
	proc.Stdin().Close()

	var outBuf, errBuf []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outBuf, _ = io.ReadAll(proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		errBuf, _ = io.ReadAll(proc.Stderr())
	}()

	exitCode, waitErr := proc.Wait(ctx)
	wg.Wait()
	if waitErr != nil && exitCode == 0 {
		// Timeout and kill paths report non-zero; anything else is a
		// host-side failure.
		return "", "", 0, waitErr
	}
	return string(outBuf), string(errBuf), exitCode, nil
}

// reap kills a child whose turn was abandoned before stdin handoff and
// waits on it so the process table entry is released.
func (o *Orchestrator) reap(ctx context.Context, proc domain.Process) {
	proc.Kill()
	if _, err := proc.Wait(ctx); err != nil {
		o.log.Warn("abandoned agent process wait failed", "error", err)
	}
}

// persistTurns appends the exchange and prunes past the turn cap.
func (o *Orchestrator) persistTurns(ctx context.Context, sessionID, userContent, sender, assistantContent string) {
	if err := o.convs.Append(ctx, sessionID, domain.RoleUser, userContent, sender); err != nil {
		o.log.Error("persist user turn failed", "session", sessionID, "error", err)
		return
	}
	if err := o.convs.Append(ctx, sessionID, domain.RoleAssistant, assistantContent, o.cfg.AgentID); err != nil {
		o.log.Error("persist assistant turn failed", "session", sessionID, "error", err)
		return
	}
	if o.cfg.MaxTurns > 0 {
		n, err := o.convs.Count(ctx, sessionID)
		if err == nil && n > o.cfg.MaxTurns {
			if err := o.convs.Prune(ctx, sessionID, o.cfg.MaxTurns); err != nil {
				o.log.Error("prune failed", "session", sessionID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) failMessage(ctx context.Context, id string) {
	if err := o.queue.Fail(ctx, id); err != nil {
		o.log.Error("queue fail failed", "message", id, "error", err)
	}
}

// diagnoseFailure synthesises a short user-visible explanation from stderr.
// Raw stderr is never forwarded wholesale.
func diagnoseFailure(stderr string, exitCode int) string {
	tail := strings.TrimSpace(stderr)
	if lines := strings.Split(tail, "\n"); len(lines) > 3 {
		tail = strings.Join(lines[len(lines)-3:], "\n")
	}
	if len(tail) > 400 {
		tail = tail[len(tail)-400:]
	}
	if tail == "" {
		return fmt.Sprintf("%s process exited with code %d", failurePrefix, exitCode)
	}
	return fmt.Sprintf("%s %s (exit %d)", failurePrefix, tail, exitCode)
}

// SweepWorkspaces removes persistent-session workspace entries older than
// maxAge. Runs in the background; errors are logged by the caller.
func SweepWorkspaces(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("sweep workspaces: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
