package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/storage"
)

const (
	schedulerHealthURI = "prospector://scheduler/health"
	quotaURI           = "prospector://quota"
)

// NewMCPServer creates an MCP server exposing the job operations as tools and
// the scheduler and quota state as resources.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"prospector",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("prospector runs batch shipping-carrier detection jobs over stored leads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_job",
			mcp.WithDescription("Create a detection job over a list of leads. With a schedule it creates a recurring definition instead."),
			mcp.WithArray("lead_ids", mcp.Description("Ids of the leads to analyze"), mcp.Required()),
			mcp.WithString("tenant_id", mcp.Description("Tenant owning the job")),
			mcp.WithArray("strategies", mcp.Description("Subset of managed-scrape, browser-automation, llm")),
			mcp.WithString("min_confidence", mcp.Description("Skip strategies below this confidence (low, medium, high)")),
			mcp.WithString("schedule", mcp.Description(`Optional JSON schedule, e.g. {"frequency":"weekdays","times":["09:00"],"timezone":"Europe/Stockholm"}`)),
		),
		mcpCreateJob(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return a job with its status and per-status item counts."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("job_items",
			mcp.WithDescription("List the items of a job with method, error and duration."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpJobItems(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a job. Pending items are skipped; a running item finishes."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpCancelJob(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_schedule",
			mcp.WithDescription("Run a recurring definition now and return the new job id."),
			mcp.WithString("schedule_id", mcp.Description("Recurring definition id"), mcp.Required()),
		),
		mcpTriggerSchedule(deps),
	)

	s.AddTool(
		mcp.NewTool("scheduler_health",
			mcp.WithDescription("Report scheduler state and tick counters."),
		),
		mcpSchedulerHealth(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_stats",
			mcp.WithDescription("Report quota limits and current usage per service and scope."),
		),
		mcpQuotaStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			schedulerHealthURI,
			"Scheduler Health",
			mcp.WithResourceDescription("Scheduler state and tick counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSchedulerHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			quotaURI,
			"Quota Usage",
			mcp.WithResourceDescription("Quota limits and usage as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQuota(deps),
	)

	return s
}

func mcpCreateJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		leadIDs := req.GetStringSlice("lead_ids", nil)
		if len(leadIDs) == 0 {
			return mcpError("lead_ids is required"), nil
		}

		cfg := storage.JobConfig{
			TenantID: req.GetString("tenant_id", ""),
			Type:     storage.JobTypeShippingDetection,
			LeadIDs:  leadIDs,
			Detection: storage.DetectionConfig{
				Strategies:    req.GetStringSlice("strategies", nil),
				MinConfidence: req.GetString("min_confidence", ""),
			},
		}

		if raw := req.GetString("schedule", ""); raw != "" {
			var desc scheduler.Descriptor
			if err := json.Unmarshal([]byte(raw), &desc); err != nil {
				return mcpError(fmt.Sprintf("invalid schedule JSON: %v", err)), nil
			}
			def, err := deps.Engine.CreateSchedule(ctx, cfg, desc)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create schedule: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Created schedule %s, next run %s", def.ID, def.NextRunAt.Format("2006-01-02 15:04 MST"))), nil
		}

		id, err := deps.Engine.Create(ctx, cfg)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created job %s with %d items", id, len(leadIDs))), nil
	}
}

func mcpJobStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.Engine.Status(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpJobItems(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		items, err := deps.Engine.Items(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list items: %v", err)), nil
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(items)
	}
}

func mcpCancelJob(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		skipped, err := deps.Engine.Cancel(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to cancel job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled job %s, skipped %d pending items", id, skipped)), nil
	}
}

func mcpTriggerSchedule(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcpError("scheduler is disabled"), nil
		}
		id, err := req.RequireString("schedule_id")
		if err != nil {
			return mcpError("schedule_id is required"), nil
		}
		jobID, err := deps.Scheduler.Trigger(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to trigger schedule: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Triggered schedule %s as job %s", id, jobID)), nil
	}
}

func mcpSchedulerHealth(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcpError("scheduler is disabled"), nil
		}
		return mcpJSON(deps.Scheduler.Health())
	}
}

func mcpQuotaStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(quotaSnapshot(deps.Quota))
	}
}

func mcpResourceSchedulerHealth(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Scheduler == nil {
			return nil, errors.New("scheduler is disabled")
		}
		return jsonResource(req.Params.URI, deps.Scheduler.Health())
	}
}

func mcpResourceQuota(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource(req.Params.URI, quotaSnapshot(deps.Quota))
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
