package ipc

import (
	"context"

	"ax/internal/domain"
)

// JobScheduler registers and removes scheduled jobs on behalf of the
// scheduler_* actions.
type JobScheduler interface {
	AddCron(ctx context.Context, agentID, schedule, prompt string, delivery domain.Delivery) (string, error)
	RunAt(ctx context.Context, agentID, datetime, prompt string, delivery domain.Delivery) (string, error)
	Remove(ctx context.Context, jobID string) error
	Jobs(ctx context.Context) ([]domain.Job, error)
}

// parseDelivery reads an optional delivery object. An absent or modeless
// object leaves the zero value for the dispatcher's default to kick in.
func parseDelivery(args map[string]any) domain.Delivery {
	raw, ok := args["delivery"].(map[string]any)
	if !ok {
		return domain.Delivery{}
	}
	d := domain.Delivery{Mode: domain.DeliveryMode(getString(raw, "mode"))}
	if last, ok := raw["last"].(bool); ok {
		d.Last = last
	}
	if target, ok := raw["target"].(map[string]any); ok {
		d.Target = &domain.SessionAddress{
			Provider:  getString(target, "provider"),
			Scope:     domain.Scope(getString(target, "scope")),
			AgentID:   getString(target, "agent_id"),
			ChannelID: getString(target, "channel_id"),
			UserID:    getString(target, "user_id"),
			ThreadID:  getString(target, "thread_id"),
		}
	}
	return d
}

// RegisterSchedulerHandlers binds the scheduler_* actions.
func RegisterSchedulerHandlers(s *Server, sched JobScheduler) {
	s.Register(ActionSchedAddCron, func(ctx context.Context, req Request) (map[string]any, error) {
		jobID, err := sched.AddCron(ctx, req.AgentID, getString(req.Args, "schedule"),
			getString(req.Args, "prompt"), parseDelivery(req.Args))
		if err != nil {
			return nil, domain.WrapOp("scheduler_add_cron", err)
		}
		return map[string]any{"jobId": jobID}, nil
	})

	s.Register(ActionSchedRunAt, func(ctx context.Context, req Request) (map[string]any, error) {
		jobID, err := sched.RunAt(ctx, req.AgentID, getString(req.Args, "datetime"),
			getString(req.Args, "prompt"), parseDelivery(req.Args))
		if err != nil {
			return nil, domain.WrapOp("scheduler_run_at", err)
		}
		return map[string]any{"jobId": jobID}, nil
	})

	s.Register(ActionSchedRemoveCron, func(ctx context.Context, req Request) (map[string]any, error) {
		if err := sched.Remove(ctx, getString(req.Args, "jobId")); err != nil {
			return nil, domain.WrapOp("scheduler_remove_cron", err)
		}
		return nil, nil
	})

	s.Register(ActionSchedListJobs, func(ctx context.Context, req Request) (map[string]any, error) {
		jobs, err := sched.Jobs(ctx)
		if err != nil {
			return nil, domain.WrapOp("scheduler_list_jobs", err)
		}
		return map[string]any{"jobs": jobs}, nil
	})
}
