package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ax/internal/domain"
)

type dispatchFixture struct {
	*orchFixture
	channel  *fakeChannel
	jobsPath string
	disp     *Dispatcher
}

func newDispatcher(t *testing.T, proc *fakeProc) *dispatchFixture {
	t.Helper()
	f := newOrchestrator(t, proc)
	ch := &fakeChannel{respond: true}
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")
	disp := NewDispatcher(jobsPath, f.router, f.orch, f.sessions, ch, discardLog())
	if err := disp.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(disp.Stop)
	return &dispatchFixture{orchFixture: f, channel: ch, jobsPath: jobsPath, disp: disp}
}

func TestAddCronValidation(t *testing.T) {
	f := newDispatcher(t, &fakeProc{})

	if _, err := f.disp.AddCron(context.Background(), "ava", "not a cron", "p", domain.Delivery{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad schedule err = %v", err)
	}

	id, err := f.disp.AddCron(context.Background(), "ava", "0 9 * * *", "daily digest", domain.Delivery{Mode: domain.DeliveryLog})
	if err != nil {
		t.Fatal(err)
	}
	jobs, _ := f.disp.Jobs(context.Background())
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Schedule != "0 9 * * *" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRunAtValidation(t *testing.T) {
	f := newDispatcher(t, &fakeProc{})

	if _, err := f.disp.RunAt(context.Background(), "ava", "tomorrow", "p", domain.Delivery{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad datetime err = %v", err)
	}
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	if _, err := f.disp.RunAt(context.Background(), "ava", past, "p", domain.Delivery{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("past datetime err = %v", err)
	}
}

func TestRemoveJob(t *testing.T) {
	f := newDispatcher(t, &fakeProc{})

	if err := f.disp.Remove(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("remove missing err = %v", err)
	}

	id, err := f.disp.AddCron(context.Background(), "ava", "@hourly", "p", domain.Delivery{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.disp.Remove(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	jobs, _ := f.disp.Jobs(context.Background())
	if len(jobs) != 0 {
		t.Errorf("jobs after remove = %+v", jobs)
	}
}

func TestRunAtFiresAndDelivers(t *testing.T) {
	f := newDispatcher(t, &fakeProc{stdout: "report ready"})

	target := &domain.SessionAddress{
		Provider: "slack", Scope: domain.ScopeChannel, AgentID: "ava", ChannelID: "C1",
	}
	at := time.Now().Add(150 * time.Millisecond).Format(time.RFC3339Nano)
	// RFC3339Nano parses under RFC3339 layout rules.
	id, err := f.disp.RunAt(context.Background(), "ava", at, "compile the report", domain.Delivery{
		Mode: domain.DeliveryChannel, Target: target,
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(f.channel.sentMessages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.channel.sentMessages(); got[0] != "report ready" {
		t.Errorf("delivered = %v", got)
	}

	// One-shot jobs leave the registry after firing.
	for {
		jobs, _ := f.disp.Jobs(context.Background())
		if len(jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("one-shot job %s still registered", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliverLastSession(t *testing.T) {
	f := newDispatcher(t, &fakeProc{})
	addr := domain.SessionAddress{Provider: "slack", Scope: domain.ScopeDM, AgentID: "ava", UserID: "U1"}
	f.sessions.SetLast(context.Background(), "ava", addr)

	job := domain.Job{ID: "j1", AgentID: "ava", Delivery: domain.Delivery{Mode: domain.DeliveryChannel, Last: true}}
	f.disp.deliver(context.Background(), job, "reminder")
	if got := f.channel.sentMessages(); len(got) != 1 || got[0] != "reminder" {
		t.Errorf("sent = %v", got)
	}
}

func TestStartWithImminentOneShot(t *testing.T) {
	f := newOrchestrator(t, &fakeProc{stdout: "ping"})
	ch := &fakeChannel{respond: true}
	jobsPath := filepath.Join(t.TempDir(), "jobs.json")

	// A one-shot due almost immediately fires while Start is still
	// registering the rest of the registry.
	at := time.Now().Add(20 * time.Millisecond).Format(time.RFC3339Nano)
	seed := []domain.Job{
		{ID: "soon", AgentID: "ava", RunOnce: true, Schedule: at,
			Prompt: "quick check", Delivery: domain.Delivery{Mode: domain.DeliveryLog}},
		{ID: "digest", AgentID: "ava", Schedule: "@daily", Prompt: "digest",
			Delivery: domain.Delivery{Mode: domain.DeliveryLog}},
	}
	data, err := json.Marshal(seed)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jobsPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	disp := NewDispatcher(jobsPath, f.router, f.orch, f.sessions, ch, discardLog())
	if err := disp.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(disp.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for {
		jobs, _ := disp.Jobs(context.Background())
		if len(jobs) == 1 && jobs[0].ID == "digest" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs = %+v, want only the cron job left", jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobRegistryPersistence(t *testing.T) {
	f := newDispatcher(t, &fakeProc{})
	ctx := context.Background()

	if _, err := f.disp.AddCron(ctx, "ava", "@daily", "digest", domain.Delivery{Mode: domain.DeliveryLog}); err != nil {
		t.Fatal(err)
	}
	expired := domain.Job{
		ID: "old", AgentID: "ava", RunOnce: true,
		Schedule: time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	f.disp.mu.Lock()
	f.disp.jobs[expired.ID] = expired
	f.disp.save()
	f.disp.mu.Unlock()
	f.disp.Stop()

	reloaded := NewDispatcher(f.jobsPath, f.router, f.orch, f.sessions, f.channel, discardLog())
	if err := reloaded.Start(); err != nil {
		t.Fatal(err)
	}
	defer reloaded.Stop()

	jobs, _ := reloaded.Jobs(ctx)
	if len(jobs) != 1 || jobs[0].Prompt != "digest" {
		t.Errorf("reloaded jobs = %+v (expired one-shot must be dropped)", jobs)
	}
	if _, err := os.Stat(f.jobsPath); err != nil {
		t.Error("registry file missing")
	}
}
