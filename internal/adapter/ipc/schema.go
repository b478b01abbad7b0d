package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ax/internal/domain"
)

// Action names accepted by the gateway. Anything else is rejected before
// schema validation runs.
const (
	ActionLLMCall         = "llm_call"
	ActionMemoryWrite     = "memory_write"
	ActionMemoryQuery     = "memory_query"
	ActionMemoryRead      = "memory_read"
	ActionMemoryDelete    = "memory_delete"
	ActionMemoryList      = "memory_list"
	ActionWebFetch        = "web_fetch"
	ActionWebSearch       = "web_search"
	ActionBrowserNavigate = "browser_navigate"
	ActionBrowserClick    = "browser_click"
	ActionBrowserType     = "browser_type"
	ActionBrowserText     = "browser_text"
	ActionBrowserClose    = "browser_close"
	ActionSkillPropose    = "skill_propose"
	ActionSkillApprove    = "skill_approve"
	ActionSkillReject     = "skill_reject"
	ActionSkillRevert     = "skill_revert"
	ActionSkillList       = "skill_list"
	ActionIdentityWrite   = "identity_write"
	ActionUserWrite       = "user_write"
	ActionAgentDelegate   = "agent_delegate"
	ActionSchedAddCron    = "scheduler_add_cron"
	ActionSchedRunAt      = "scheduler_run_at"
	ActionSchedRemoveCron = "scheduler_remove_cron"
	ActionSchedListJobs   = "scheduler_list_jobs"
	ActionAuditQuery      = "audit_query"
)

type obj = map[string]any

func str() obj     { return obj{"type": "string"} }
func boolean() obj { return obj{"type": "boolean"} }
func integer() obj { return obj{"type": "integer", "minimum": 0} }

func strictObject(props obj, required ...string) obj {
	if required == nil {
		required = []string{}
	}
	return obj{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// actionSchemas maps each action to its strict request schema. The envelope
// fields action, sessionId, and agentId are permitted on every request.
var actionSchemas = map[string]obj{
	ActionLLMCall: {
		"model": str(),
		"messages": obj{
			"type": "array",
			"items": strictObject(obj{
				"role":    str(),
				"content": str(),
			}, "role", "content"),
		},
		"tools": obj{
			"type": "array",
			"items": strictObject(obj{
				"name":        str(),
				"description": str(),
				"parameters":  obj{"type": "object"},
			}, "name"),
		},
		"maxTokens": integer(),
	},
	ActionMemoryWrite: {
		"scope":   str(),
		"content": str(),
		"tags":    obj{"type": "array", "items": str()},
	},
	ActionMemoryQuery:  {"scope": str(), "query": str(), "limit": integer()},
	ActionMemoryRead:   {"id": str()},
	ActionMemoryDelete: {"id": str()},
	ActionMemoryList:   {"scope": str(), "limit": integer()},

	ActionWebFetch:  {"url": str()},
	ActionWebSearch: {"query": str(), "limit": integer()},

	ActionBrowserNavigate: {"session": str(), "url": str()},
	ActionBrowserClick:    {"session": str(), "ref": str()},
	ActionBrowserType:     {"session": str(), "ref": str(), "text": str()},
	ActionBrowserText:     {"session": str()},
	ActionBrowserClose:    {"session": str()},

	ActionSkillPropose: {"skill": str(), "content": str(), "reason": str()},
	ActionSkillApprove: {"id": str()},
	ActionSkillReject:  {"id": str()},
	ActionSkillRevert:  {"commit": str()},
	ActionSkillList:    {},

	ActionIdentityWrite: {"file": str(), "content": str(), "reason": str(), "origin": str()},
	ActionUserWrite:     {"userId": str(), "content": str(), "reason": str(), "origin": str()},

	ActionAgentDelegate: {"task": str(), "context": str()},

	ActionSchedAddCron: {
		"schedule": str(),
		"prompt":   str(),
		"delivery": deliverySchema(),
	},
	ActionSchedRunAt: {
		"datetime": str(),
		"prompt":   str(),
		"delivery": deliverySchema(),
	},
	ActionSchedRemoveCron: {"jobId": str()},
	ActionSchedListJobs:   {},

	ActionAuditQuery: {
		"filter": strictObject(obj{
			"action":    str(),
			"sessionId": str(),
			"result":    obj{"enum": []any{"success", "blocked", "error"}},
			"since":     str(),
			"limit":     integer(),
		}),
	},
}

// requiredFields lists the mandatory action-specific fields per action.
var requiredFields = map[string][]string{
	ActionLLMCall:         {"messages"},
	ActionMemoryWrite:     {"scope", "content"},
	ActionMemoryQuery:     {"scope", "query"},
	ActionMemoryRead:      {"id"},
	ActionMemoryDelete:    {"id"},
	ActionMemoryList:      {"scope"},
	ActionWebFetch:        {"url"},
	ActionWebSearch:       {"query"},
	ActionBrowserNavigate: {"session", "url"},
	ActionBrowserClick:    {"session", "ref"},
	ActionBrowserType:     {"session", "ref", "text"},
	ActionBrowserText:     {"session"},
	ActionBrowserClose:    {"session"},
	ActionSkillPropose:    {"skill", "content"},
	ActionSkillApprove:    {"id"},
	ActionSkillReject:     {"id"},
	ActionSkillRevert:     {"commit"},
	ActionIdentityWrite:   {"file", "content"},
	ActionUserWrite:       {"userId", "content"},
	ActionAgentDelegate:   {"task"},
	ActionSchedAddCron:    {"schedule", "prompt"},
	ActionSchedRunAt:      {"datetime", "prompt"},
	ActionSchedRemoveCron: {"jobId"},
}

func deliverySchema() obj {
	return strictObject(obj{
		"mode":   obj{"enum": []any{"channel", "log"}},
		"target": obj{"type": "object"},
		"last":   boolean(),
	}, "mode")
}

// Validator holds the compiled strict schema for every known action.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles all action schemas. Compilation failure is a
// programming error and panics at startup.
func NewValidator() *Validator {
	compiled := make(map[string]*jsonschema.Schema, len(actionSchemas))
	for action, props := range actionSchemas {
		full := obj{
			"action":    obj{"const": action},
			"sessionId": str(),
			"agentId":   str(),
		}
		for k, v := range props {
			full[k] = v
		}
		doc := strictObject(full, append([]string{"action"}, requiredFields[action]...)...)
		raw, err := json.Marshal(doc)
		if err != nil {
			panic(fmt.Sprintf("marshal schema for %s: %v", action, err))
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		name := action + ".json"
		if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
			panic(fmt.Sprintf("add schema for %s: %v", action, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile schema for %s: %v", action, err))
		}
		compiled[action] = s
	}
	return &Validator{schemas: compiled}
}

// Known reports whether action is in the allowlist.
func (v *Validator) Known(action string) bool {
	_, ok := v.schemas[action]
	return ok
}

// Validate checks a decoded request payload against the action's schema.
func (v *Validator) Validate(action string, payload any) error {
	s, ok := v.schemas[action]
	if !ok {
		return domain.NewDomainError("ipc.Validate", domain.ErrUnknownAction, action)
	}
	if err := s.Validate(payload); err != nil {
		return domain.NewDomainError("ipc.Validate", domain.ErrValidation, err.Error())
	}
	return nil
}
