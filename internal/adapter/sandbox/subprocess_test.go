package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"ax/internal/domain"
)

func newTestSandbox(t *testing.T) *SubprocessSandbox {
	t.Helper()
	return NewSubprocessSandbox(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func spawnShell(t *testing.T, script string, timeoutSec int) domain.Process {
	t.Helper()
	sb := newTestSandbox(t)
	proc, err := sb.Spawn(context.Background(), domain.SpawnSpec{
		Command:    []string{"/bin/sh", "-c", script},
		Workspace:  t.TempDir(),
		IPCSocket:  "/tmp/unused.sock",
		TimeoutSec: timeoutSec,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return proc
}

func TestSpawnEchoesStdinToStdout(t *testing.T) {
	proc := spawnShell(t, "cat", 10)

	go func() {
		io.WriteString(proc.Stdin(), `{"message":"hello"}`)
		proc.Stdin().Close()
	}()

	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	code, err := proc.Wait(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("Wait = (%d, %v), want (0, nil)", code, err)
	}
	if string(out) != `{"message":"hello"}` {
		t.Errorf("stdout = %q", out)
	}
}

func TestSpawnReportsExitCode(t *testing.T) {
	proc := spawnShell(t, "exit 137", 10)
	proc.Stdin().Close()

	code, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 137 {
		t.Errorf("exit code = %d, want 137", code)
	}
}

func TestSpawnSeparatesStderr(t *testing.T) {
	proc := spawnShell(t, "echo out; echo err >&2", 10)
	proc.Stdin().Close()

	// Drain concurrently the way the orchestrator does.
	type drained struct {
		data []byte
		err  error
	}
	outCh := make(chan drained, 1)
	errCh := make(chan drained, 1)
	go func() {
		data, err := io.ReadAll(proc.Stdout())
		outCh <- drained{data, err}
	}()
	go func() {
		data, err := io.ReadAll(proc.Stderr())
		errCh <- drained{data, err}
	}()

	out, errOut := <-outCh, <-errCh
	if _, err := proc.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if strings.TrimSpace(string(out.data)) != "out" {
		t.Errorf("stdout = %q", out.data)
	}
	if strings.TrimSpace(string(errOut.data)) != "err" {
		t.Errorf("stderr = %q", errOut.data)
	}
}

func TestSpawnTimeoutKillsChild(t *testing.T) {
	proc := spawnShell(t, "sleep 30", 1)
	proc.Stdin().Close()

	start := time.Now()
	code, err := proc.Wait(context.Background())
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Wait = (%d, %v), want ErrTimeout", code, err)
	}
	if code == 0 {
		t.Error("timed-out child must not report success")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want ~1s", elapsed)
	}
}

func TestSpawnEmptyCommand(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.Spawn(context.Background(), domain.SpawnSpec{Workspace: t.TempDir()})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Spawn(empty) = %v, want ErrInvalidInput", err)
	}
}
