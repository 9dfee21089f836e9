package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/prospector/internal/api"
	"github.com/kalambet/prospector/internal/config"
	"github.com/kalambet/prospector/internal/quota"
	"github.com/kalambet/prospector/internal/scheduler"
	"github.com/kalambet/prospector/internal/storage"
)

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect detection jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a detection job or a recurring definition",
	Long: `Create a detection job or a recurring definition.

Examples:
  prospector jobs create --lead lead-1 --lead lead-2 --tenant acme
  prospector jobs create --file job.yaml

A job file looks like:
  tenant_id: acme
  lead_ids: [lead-1, lead-2]
  detection:
    strategies: [managed-scrape, browser-automation]
    min_confidence: medium
  schedule:
    frequency: weekdays
    times: ["09:00"]
    timezone: Europe/Stockholm`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		leads, _ := cmd.Flags().GetStringSlice("lead")
		tenant, _ := cmd.Flags().GetString("tenant")
		strategies, _ := cmd.Flags().GetStringSlice("strategies")

		var req api.CreateJobRequest
		switch {
		case file != "":
			r, err := loadJobFile(file)
			if err != nil {
				return err
			}
			req = r
		case len(leads) > 0:
			req.LeadIDs = leads
		default:
			return fmt.Errorf("one of --file or --lead is required")
		}
		if tenant != "" {
			req.TenantID = tenant
		}
		if len(strategies) > 0 {
			req.Detection.Strategies = strategies
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		if job.IsScheduled {
			printSuccess("Created schedule %s (%s)", job.ID, scheduleLabel(job))
		} else {
			printSuccess("Created job %s with %d items", job.ID, job.Total)
		}
		return nil
	},
}

// loadJobFile reads a YAML job definition.
func loadJobFile(path string) (api.CreateJobRequest, error) {
	var req api.CreateJobRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("reading job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing job file %s: %w", path, err)
	}
	if len(req.LeadIDs) == 0 {
		return req, fmt.Errorf("job file %s: lead_ids is required", path)
	}
	return req, nil
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		tenant, _ := cmd.Flags().GetString("tenant")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if tenant != "" {
			q.Set("tenant_id", tenant)
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []storage.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			detail := countsLine(j)
			if j.IsScheduled {
				detail = scheduleLabel(j)
			}
			fmt.Printf("%s  %-9s  %s\n",
				colorize(colorCyan, j.ID),
				colorize(statusColor(j.Status), string(j.Status)),
				detail,
			)
		}
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a job with its item counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var jobsItemsCmd = &cobra.Command{
	Use:   "items <id>",
	Short: "List the items of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/items")
		if err != nil {
			return err
		}
		var items []storage.Item
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(items)
		}
		for _, it := range items {
			line := fmt.Sprintf("%3d  %-36s  %-9s", it.Seq, it.LeadID, string(it.Status))
			if it.Method != "" {
				line += "  " + it.Method
			}
			if it.Duration > 0 {
				line += fmt.Sprintf("  %s", it.Duration.Round(time.Millisecond))
			}
			if it.Error != "" {
				line += "  " + colorize(colorRed, it.Error)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a job or disable a recurring definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var out api.CancelResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Cancelled %s, skipped %d pending items", out.Job.ID, out.Skipped)
		return nil
	},
}

func init() {
	jobsCreateCmd.Flags().String("file", "", "YAML job definition")
	jobsCreateCmd.Flags().StringSlice("lead", nil, "lead id to analyze (repeatable)")
	jobsCreateCmd.Flags().String("tenant", "", "tenant owning the job")
	jobsCreateCmd.Flags().StringSlice("strategies", nil, "detection strategies to allow")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsListCmd.Flags().String("tenant", "", "only list jobs of this tenant")
	jobsItemsCmd.Flags().Bool("json", false, "print items as JSON")

	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsStatusCmd, jobsItemsCmd, jobsCancelCmd)
}

// --- schedules ---

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Inspect and trigger recurring definitions",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recurring definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/schedules"
		if tenant != "" {
			path += "?tenant_id=" + url.QueryEscape(tenant)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var defs []storage.Job
		if err := decodeJSON(resp, &defs); err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Println("No schedules found.")
			return nil
		}
		for _, d := range defs {
			fmt.Printf("%s  %d leads  %s\n", colorize(colorCyan, d.ID), d.Total, scheduleLabel(d))
		}
		return nil
	},
}

var schedulesTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Run a recurring definition now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/schedules/"+url.PathEscape(args[0])+"/trigger", nil)
		if err != nil {
			return err
		}
		var out api.TriggerResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Triggered schedule %s as job %s", out.ScheduleID, out.JobID)
		return nil
	},
}

func init() {
	schedulesListCmd.Flags().String("tenant", "", "only list definitions of this tenant")
	schedulesCmd.AddCommand(schedulesListCmd, schedulesTriggerCmd)
}

// --- scheduler ---

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect the scheduler",
}

var schedulerHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show scheduler state and tick counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/scheduler/health")
		if err != nil {
			return err
		}
		var h scheduler.Health
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}
		printStatus("State", "%s", schedulerLabel(h))
		printStatus("Ticks", "%d (%d skipped while busy)", h.Ticks, h.SkippedTicks)
		printStatus("Runs", "%d started, %d failed", h.Materialized, h.Failed)
		if h.LastTickAt != nil {
			printStatus("Last tick", "%s (%s)", h.LastTickAt.Local().Format("2006-01-02 15:04:05"), h.LastTickDuration)
		}
		return nil
	},
}

func init() {
	schedulerCmd.AddCommand(schedulerHealthCmd)
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show or reset external service quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show quota limits and usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/quota")
		if err != nil {
			return err
		}
		var q api.QuotaResponse
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		for _, l := range q.Limits {
			printStatus(l.Service+"/"+l.Window, "max %d per %s", l.Max, l.Length)
		}
		if len(q.Usage) == 0 {
			fmt.Println("No quota used yet.")
			return nil
		}
		for _, s := range q.Usage {
			fmt.Println(usageLine(s))
		}
		return nil
	},
}

func usageLine(s quota.Stat) string {
	used := fmt.Sprintf("%d/%d", s.Used, s.Max)
	if s.Remaining == 0 {
		used = colorize(colorRed, used)
	}
	line := fmt.Sprintf("%-8s %-20s %-7s %s", s.Service, s.Scope, s.Window, used)
	if s.ResetIn > 0 {
		line += fmt.Sprintf("  resets in %s", s.ResetIn.Round(time.Second))
	}
	return line
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset <service>",
	Short: "Clear recorded calls of a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/quota/" + url.PathEscape(args[0])
		if scope != "" {
			path += "?scope=" + url.QueryEscape(scope)
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Reset %s quota for scope %s", out["service"], out["scope"])
		return nil
	},
}

func init() {
	quotaResetCmd.Flags().String("scope", "", "tenant scope to reset (default: all scopes)")
	quotaCmd.AddCommand(quotaShowCmd, quotaResetCmd)
}

// --- leads ---

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Import and inspect leads",
}

var leadsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import leads from a YAML file",
	Long: `Import leads from a YAML file.

The file looks like:
  leads:
    - id: lead-1
      tenant_id: acme
      domain: shop.example.se
      name: Example Shop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		req, err := loadLeadsFile(file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/leads", req)
		if err != nil {
			return err
		}
		var out api.LeadsRequest
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		ids := make([]string, len(out.Leads))
		for i, l := range out.Leads {
			ids[i] = l.ID
		}
		printSuccess("Imported %d leads", len(out.Leads))
		fmt.Println(strings.Join(ids, "\n"))
		return nil
	},
}

func loadLeadsFile(path string) (api.LeadsRequest, error) {
	var req api.LeadsRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("reading leads file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing leads file %s: %w", path, err)
	}
	if len(req.Leads) == 0 {
		return req, fmt.Errorf("leads file %s has no leads", path)
	}
	return req, nil
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a lead with its last detection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/leads/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var lead storage.Lead
		if err := decodeJSON(resp, &lead); err != nil {
			return err
		}
		return printJSON(lead)
	},
}

func init() {
	leadsImportCmd.Flags().String("file", "", "YAML file with leads")
	leadsCmd.AddCommand(leadsImportCmd, leadsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
