package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"ax/internal/domain"
)

// fireTimeout bounds one scheduled job execution end to end.
const fireTimeout = 15 * time.Minute

// Dispatcher runs scheduled jobs: cron expressions and one-shot run_at
// timers. Jobs persist across restarts in a JSON registry.
type Dispatcher struct {
	jobsPath string
	router   *Router
	orch     *Orchestrator
	sessions domain.SessionStore
	channel  domain.Channel // nil when no channel is configured
	log      *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]domain.Job
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
	stopped bool
}

// NewDispatcher builds the scheduler. channel may be nil; channel-mode
// deliveries then fall back to the log.
func NewDispatcher(jobsPath string, router *Router, orch *Orchestrator, sessions domain.SessionStore, channel domain.Channel, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobsPath: jobsPath,
		router:   router,
		orch:     orch,
		sessions: sessions,
		channel:  channel,
		log:      log,
		cron:     cron.New(),
		jobs:     make(map[string]domain.Job),
		entries:  make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
	}
}

// Start loads the persisted registry and begins firing jobs. One-shot jobs
// whose time passed while the host was down are dropped with a log entry.
func (d *Dispatcher) Start() error {
	jobs, err := d.load()
	if err != nil {
		return domain.WrapOp("Dispatcher.Start", err)
	}
	// scheduleOnce arms timers whose callbacks lock d.mu, so the whole
	// registration loop runs under the lock.
	d.mu.Lock()
	for _, job := range jobs {
		if job.RunOnce {
			at, err := time.Parse(time.RFC3339, job.Schedule)
			if err != nil || !at.After(time.Now()) {
				d.log.Warn("dropping expired one-shot job", "job", job.ID, "at", job.Schedule)
				continue
			}
			d.scheduleOnce(job, at)
		} else {
			if err := d.scheduleCron(job); err != nil {
				d.log.Warn("dropping job with invalid schedule", "job", job.ID, "error", err)
				continue
			}
		}
		d.jobs[job.ID] = job
	}
	if err := d.save(); err != nil {
		d.log.Error("job registry save failed", "error", err)
	}
	d.mu.Unlock()
	d.cron.Start()
	return nil
}

// Stop halts all firing and persists the registry. Safe to call once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.mu.Unlock()
	<-d.cron.Stop().Done()
	if err := d.save(); err != nil {
		d.log.Error("job registry save failed", "error", err)
	}
}

// AddCron registers a recurring job. Returns the job ID.
func (d *Dispatcher) AddCron(ctx context.Context, agentID, schedule, prompt string, delivery domain.Delivery) (string, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return "", domain.NewDomainError("Dispatcher.AddCron", domain.ErrInvalidInput, err.Error())
	}
	job := domain.Job{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		Schedule:  schedule,
		Prompt:    prompt,
		Delivery:  delivery,
		CreatedAt: time.Now().UTC(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.scheduleCron(job); err != nil {
		return "", domain.WrapOp("Dispatcher.AddCron", err)
	}
	d.jobs[job.ID] = job
	if err := d.save(); err != nil {
		d.log.Error("job registry save failed", "error", err)
	}
	return job.ID, nil
}

// RunAt registers a one-shot job at an RFC3339 time in the future.
func (d *Dispatcher) RunAt(ctx context.Context, agentID, datetime, prompt string, delivery domain.Delivery) (string, error) {
	at, err := time.Parse(time.RFC3339, datetime)
	if err != nil {
		return "", domain.NewDomainError("Dispatcher.RunAt", domain.ErrInvalidInput, "datetime must be RFC3339")
	}
	if !at.After(time.Now()) {
		return "", domain.NewDomainError("Dispatcher.RunAt", domain.ErrInvalidInput, "datetime is in the past")
	}
	job := domain.Job{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		Schedule:  at.Format(time.RFC3339),
		Prompt:    prompt,
		RunOnce:   true,
		Delivery:  delivery,
		CreatedAt: time.Now().UTC(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduleOnce(job, at)
	d.jobs[job.ID] = job
	if err := d.save(); err != nil {
		d.log.Error("job registry save failed", "error", err)
	}
	return job.ID, nil
}

// Remove deletes a job from the registry and cancels its firing.
func (d *Dispatcher) Remove(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[jobID]; !ok {
		return domain.NewDomainError("Dispatcher.Remove", domain.ErrNotFound, jobID)
	}
	d.removeLocked(jobID)
	if err := d.save(); err != nil {
		d.log.Error("job registry save failed", "error", err)
	}
	return nil
}

// Jobs lists the registered jobs.
func (d *Dispatcher) Jobs(ctx context.Context) ([]domain.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Job, 0, len(d.jobs))
	for _, job := range d.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (d *Dispatcher) scheduleCron(job domain.Job) error {
	id, err := d.cron.AddFunc(job.Schedule, func() { d.fire(job) })
	if err != nil {
		return err
	}
	d.entries[job.ID] = id
	return nil
}

func (d *Dispatcher) scheduleOnce(job domain.Job, at time.Time) {
	d.timers[job.ID] = time.AfterFunc(time.Until(at), func() {
		d.fire(job)
		d.mu.Lock()
		if !d.stopped {
			d.removeLocked(job.ID)
			if err := d.save(); err != nil {
				d.log.Error("job registry save failed", "error", err)
			}
		}
		d.mu.Unlock()
	})
}

// removeLocked drops a job's registry row and cancels its schedule. The
// caller holds d.mu.
func (d *Dispatcher) removeLocked(jobID string) {
	delete(d.jobs, jobID)
	if entryID, ok := d.entries[jobID]; ok {
		d.cron.Remove(entryID)
		delete(d.entries, jobID)
	}
	if t, ok := d.timers[jobID]; ok {
		t.Stop()
		delete(d.timers, jobID)
	}
}

// fire runs one job: the prompt is admitted as an ephemeral session, the
// agent runs a full turn, and the response is delivered.
func (d *Dispatcher) fire(job domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	sessionID := domain.EphemeralSessionID()
	msg := domain.InboundMessage{
		ID:        sessionID,
		Sender:    "scheduler",
		Content:   job.Prompt,
		Timestamp: time.Now().UTC(),
		Address: domain.SessionAddress{
			Provider: "scheduler",
			Scope:    domain.ScopeDM,
			AgentID:  job.AgentID,
			UserID:   "scheduler",
		},
	}

	result, err := d.router.ProcessInbound(ctx, msg, sessionID)
	if err != nil {
		d.log.Error("scheduled job admission failed", "job", job.ID, "error", err)
		return
	}
	if !result.Queued {
		d.log.Warn("scheduled job prompt blocked", "job", job.ID, "reason", result.BlockReason)
		return
	}

	queued, err := d.orch.queue.DequeueByID(ctx, result.MessageID)
	if err != nil {
		d.log.Error("scheduled job dequeue failed", "job", job.ID, "error", err)
		return
	}
	turn, err := d.orch.RunTurn(ctx, queued, TurnOptions{UserID: "scheduler"})
	if err != nil {
		d.log.Error("scheduled job turn failed", "job", job.ID, "error", err)
		return
	}
	d.deliver(ctx, job, turn.Content)
}

// deliver routes a job's output: an explicit channel target, the agent's
// last seen session, or the log.
func (d *Dispatcher) deliver(ctx context.Context, job domain.Job, content string) {
	if content == "" {
		return
	}
	if job.Delivery.Mode == domain.DeliveryChannel && d.channel != nil {
		addr := job.Delivery.Target
		if addr == nil && job.Delivery.Last {
			last, err := d.sessions.Last(ctx, job.AgentID)
			if err != nil {
				d.log.Warn("no last session for job delivery", "job", job.ID)
			} else {
				addr = last
			}
		}
		if addr != nil {
			if err := d.channel.Send(ctx, *addr, domain.OutboundMessage{Content: content}); err != nil {
				d.log.Error("job delivery send failed", "job", job.ID, "error", err)
			}
			return
		}
	}
	d.log.Info("scheduled job output", "job", job.ID, "agent", job.AgentID, "content", content)
}

// load reads the persisted registry. A missing file is an empty registry.
func (d *Dispatcher) load() ([]domain.Job, error) {
	data, err := os.ReadFile(d.jobsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job registry: %w", err)
	}
	var jobs []domain.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse job registry: %w", err)
	}
	return jobs, nil
}

// save writes the registry atomically: temp file then rename.
func (d *Dispatcher) save() error {
	jobs := make([]domain.Job, 0, len(d.jobs))
	for _, job := range d.jobs {
		jobs = append(jobs, job)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.jobsPath), ".jobs-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.jobsPath)
}
