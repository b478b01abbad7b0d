package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"ax/internal/domain"
)

// SubprocessSandbox implements domain.Sandbox by spawning the agent as a
// plain child process. Container and OS-sandbox providers satisfy the same
// interface; this one is the default and the baseline for tests.
type SubprocessSandbox struct {
	log *slog.Logger
}

// NewSubprocessSandbox creates the provider.
func NewSubprocessSandbox(log *slog.Logger) *SubprocessSandbox {
	return &SubprocessSandbox{log: log}
}

// Spawn starts the agent process. The IPC socket and workspace paths are
// appended to the configured argv; the timeout clock starts immediately.
func (s *SubprocessSandbox) Spawn(ctx context.Context, spec domain.SpawnSpec) (domain.Process, error) {
	if len(spec.Command) == 0 {
		return nil, domain.NewDomainError("sandbox.Spawn", domain.ErrInvalidInput, "empty command")
	}

	argv := append([]string{}, spec.Command...)
	argv = append(argv, "--ipc-socket", spec.IPCSocket, "--workspace", spec.Workspace)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Env = []string{
		"AX_IPC_SOCKET=" + spec.IPCSocket,
		"AX_WORKSPACE=" + spec.Workspace,
		"AX_SKILLS_DIR=" + spec.SkillsDir,
		"AX_AGENT_DIR=" + spec.AgentDir,
		"AX_MEMORY_MB=" + strconv.Itoa(spec.MemoryMB),
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
	// Own process group so Kill reaps the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewDomainError("sandbox.Spawn", domain.ErrProcessFailure, err.Error())
	}
	s.log.Debug("agent process spawned", "pid", cmd.Process.Pid, "workspace", spec.Workspace)

	timeout := time.Duration(spec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &process{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		deadline: time.Now().Add(timeout),
	}, nil
}

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	deadline time.Time
}

func (p *process) PID() int              { return p.cmd.Process.Pid }
func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

// Wait blocks until exit, timeout, or context cancellation. Timeout kills
// the child; the caller sees it as a non-zero exit.
func (p *process) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case err := <-done:
		return exitCode(p.cmd, err), nil
	case <-timer.C:
		p.Kill()
		<-done
		return exitCode(p.cmd, nil), domain.NewDomainError("sandbox.Wait", domain.ErrTimeout, "agent timed out")
	case <-ctx.Done():
		p.Kill()
		<-done
		return exitCode(p.cmd, nil), ctx.Err()
	}
}

// Kill terminates the whole process group.
func (p *process) Kill() {
	if p.cmd.Process == nil {
		return
	}
	// Negative pid signals the group.
	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
