package ipc

import (
	"context"

	"ax/internal/domain"
	"ax/internal/security"
)

// RegisterSkillHandlers binds the skill_* actions to the proposal gate.
func RegisterSkillHandlers(s *Server, gate *security.SkillGate, store domain.SkillStore) {
	s.Register(ActionSkillPropose, func(ctx context.Context, req Request) (map[string]any, error) {
		proposal, err := gate.Propose(ctx, getString(req.Args, "skill"),
			getString(req.Args, "content"), getString(req.Args, "reason"))
		if err != nil {
			return nil, domain.WrapOp("skill_propose", err)
		}
		resp := map[string]any{
			"id":      proposal.ID,
			"verdict": string(proposal.Verdict),
		}
		if proposal.Reason != "" {
			resp["reason"] = proposal.Reason
		}
		if proposal.Commit != "" {
			resp["commit"] = proposal.Commit
		}
		return resp, nil
	})

	s.Register(ActionSkillApprove, func(ctx context.Context, req Request) (map[string]any, error) {
		commit, err := gate.Approve(ctx, getString(req.Args, "id"))
		if err != nil {
			return nil, domain.WrapOp("skill_approve", err)
		}
		return map[string]any{"commit": commit}, nil
	})

	s.Register(ActionSkillReject, func(ctx context.Context, req Request) (map[string]any, error) {
		err := gate.Reject(getString(req.Args, "id"))
		return nil, domain.WrapOp("skill_reject", err)
	})

	s.Register(ActionSkillRevert, func(ctx context.Context, req Request) (map[string]any, error) {
		err := gate.Revert(ctx, getString(req.Args, "commit"))
		return nil, domain.WrapOp("skill_revert", err)
	})

	s.Register(ActionSkillList, func(ctx context.Context, req Request) (map[string]any, error) {
		skills, err := store.List(ctx)
		if err != nil {
			return nil, domain.WrapOp("skill_list", err)
		}
		return map[string]any{"skills": skills}, nil
	})
}
