package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/diagram"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/schedule"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// handleExecute validates a plan document and runs it through the engine.
func (s *AngelaServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("plan")
	if err != nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	dryRun := req.GetBool("dry_run", false)
	variables := mcp.ParseStringMap(req, "variables", nil)

	plan, vres, perr := s.parseAndValidate(raw)
	if perr != nil {
		return mcp.NewToolResultError(perr.Error()), nil
	}
	if !vres.Valid() {
		return marshalResult(vres)
	}

	summary, runErr := s.engine.Execute(ctx, plan, engine.Options{
		DryRun:           dryRun,
		InitialVariables: variables,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan execution failed: %v", runErr)), nil
	}

	if s.history != nil {
		if _, err := s.history.RecordRun(ctx, summary, dryRun, summary.TransactionID); err != nil {
			s.logger.Warn("run history write failed", "plan_id", plan.ID, "error", err)
		}
	}
	return marshalResult(summary)
}

// handleValidate reports structural problems without executing anything.
func (s *AngelaServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("plan")
	if err != nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	_, vres, perr := s.parseAndValidate(raw)
	if perr != nil {
		return mcp.NewToolResultError(perr.Error()), nil
	}
	return marshalResult(vres)
}

// handleRender returns the Mermaid flowchart for a plan document.
func (s *AngelaServer) handleRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("plan")
	if err != nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	plan, parseErr := schema.ParsePlan([]byte(raw))
	if parseErr != nil {
		return mcp.NewToolResultError(parseErr.Error()), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(plan, nil)), nil
}

// handleHistory lists recent runs from the history store.
func (s *AngelaServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}
	limit := req.GetInt("limit", 20)
	runs, err := s.history.ListRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	return marshalResult(runs)
}

// handleSchedule manages saved cron schedules: add validates the document and
// the cron expression before saving, list returns every schedule, remove
// deletes by id.
func (s *AngelaServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "add":
		name := req.GetString("name", "")
		cronExpr := req.GetString("cron", "")
		raw := req.GetString("plan", "")
		if name == "" || cronExpr == "" || raw == "" {
			return mcp.NewToolResultError("add requires name, cron and plan"), nil
		}
		if err := schedule.ValidateCron(cronExpr); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		_, vres, perr := s.parseAndValidate(raw)
		if perr != nil {
			return mcp.NewToolResultError(perr.Error()), nil
		}
		if !vres.Valid() {
			return marshalResult(vres)
		}
		sp := &history.ScheduledPlan{Name: name, CronExpr: cronExpr, PlanDocument: raw, Enabled: true}
		if err := s.history.CreateScheduledPlan(ctx, sp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule write failed: %v", err)), nil
		}
		s.logger.Info("scheduled plan saved", "schedule_id", sp.ID, "name", name, "cron", cronExpr)
		return marshalResult(sp)

	case "list":
		plans, err := s.history.ListScheduledPlans(ctx, false)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule query failed: %v", err)), nil
		}
		return marshalResult(plans)

	case "remove":
		id := req.GetString("id", "")
		if id == "" {
			return mcp.NewToolResultError("remove requires id"), nil
		}
		if err := s.history.DeleteScheduledPlan(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule delete failed: %v", err)), nil
		}
		return mcp.NewToolResultText("schedule " + id + " removed"), nil

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

func (s *AngelaServer) parseAndValidate(raw string) (*schema.Plan, *schema.ValidationResult, error) {
	plan, err := schema.ParsePlan([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	if s.validator == nil {
		return plan, &schema.ValidationResult{}, nil
	}
	return plan, s.validator.Validate(plan), nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
