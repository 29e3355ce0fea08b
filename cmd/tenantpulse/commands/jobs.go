package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/engine"
	"github.com/teranos/tenantpulse/pulse/record"
	"github.com/teranos/tenantpulse/pulse/tenant"
	"github.com/teranos/tenantpulse/sym"
)

// JobsCmd groups commands that act on one tenant-org's job engine
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and queue jobs of a tenant-org",
	Long: sym.Pulse + ` jobs - inspect and queue jobs of a tenant-org.

Commands open the tenant's scheduler in submit-only mode; a running
'tenantpulse pulse start' picks queued jobs up.

Examples:
  tenantpulse jobs ls --tenant acme
  tenantpulse jobs queue execution-cleanup --params '{"retention_days":7}'
  tenantpulse jobs history --status failed --limit 20
  tenantpulse jobs show 0b6f...`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered job definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			data := pterm.TableData{{"NAME", "TITLE", "CATEGORY", "TRIGGERS"}}
			for _, info := range h.Engine().ListJobs() {
				if info.Hidden && !all {
					continue
				}
				data = append(data, []string{info.Name, info.Title, info.Category, strings.Join(info.TriggerEvents, ",")})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var jobsQueueCmd = &cobra.Command{
	Use:   "queue <name>",
	Short: "Queue a job, or schedule it with --cron",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetString("params")
		cron, _ := cmd.Flags().GetString("cron")
		priority, _ := cmd.Flags().GetString("priority")
		singleton, _ := cmd.Flags().GetString("singleton")
		delay, _ := cmd.Flags().GetDuration("delay")

		req := engine.QueueRequest{
			Name: args[0],
			Options: engine.JobOptions{
				Cron:         cron,
				Priority:     engine.Priority(priority),
				SingletonKey: singleton,
				StartAfter:   delay,
			},
		}
		if params != "" {
			if !json.Valid([]byte(params)) {
				return errors.NewInvalidRequestError("--params is not valid JSON")
			}
			req.Params = json.RawMessage(params)
		}

		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			resp, err := h.QueueJob(ctx, req)
			if errors.Is(err, engine.ErrNotQueued) {
				pterm.Warning.Printfln("%s not queued: an execution with the same singleton key is pending", req.Name)
				return nil
			}
			if err != nil {
				return err
			}
			if resp.Scheduled {
				pterm.Success.Printfln("%s Scheduled %s (%s)", sym.Pulse, resp.Name, resp.Cron)
				return nil
			}
			pterm.Success.Printfln("%s Queued %s: %s", sym.Pulse, resp.Name, resp.JobID)
			return nil
		})
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		filters := record.Filters{
			Name:        name,
			Status:      record.Status(status),
			SourceJobID: source,
			Limit:       limit,
		}
		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			execs, err := h.Engine().GetJobHistory(ctx, filters)
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				pterm.Info.Println("No executions found")
				return nil
			}
			data := pterm.TableData{{"ID", "NAME", "STATUS", "CREATED", "SOURCE", "ERROR"}}
			for _, ex := range execs {
				data = append(data, []string{
					ex.ID, ex.Name, string(ex.Status),
					ex.CreatedAt.Local().Format(time.DateTime),
					ex.SourceJobID, truncate(ex.ErrorMessage, 60),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution with its logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			ex, err := h.Engine().GetJobExecution(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(ex, "", "  ")
				if err != nil {
					return errors.Wrap(err, "failed to encode execution")
				}
				fmt.Println(string(out))
				return nil
			}
			printExecution(ex)
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a queued or running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			if err := h.Engine().CancelJob(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("%s Cancelled %s", sym.PulseClose, args[0])
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <execution-id>",
	Short: "Queue a new execution with the same job and params",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, h *tenant.SchedulerHandle) error {
			resp, err := h.Engine().RetryJob(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("%s Retried %s as %s", sym.Pulse, args[0], resp.JobID)
			return nil
		})
	},
}

func init() {
	JobsCmd.PersistentFlags().String("tenant", "", "tenant id (required in multi-tenant mode)")
	JobsCmd.PersistentFlags().String("org", tenant.DefaultOrgID, "org id")

	jobsLsCmd.Flags().Bool("all", false, "include hidden jobs")
	jobsQueueCmd.Flags().String("params", "", "job params as a JSON object")
	jobsQueueCmd.Flags().String("cron", "", "schedule with a 5-field cron expression instead of queueing once")
	jobsQueueCmd.Flags().String("priority", "", "low, normal or high")
	jobsQueueCmd.Flags().String("singleton", "", "singleton key; skip if one is pending")
	jobsQueueCmd.Flags().Duration("delay", 0, "start no earlier than now+delay")
	jobsHistoryCmd.Flags().String("name", "", "filter by job name")
	jobsHistoryCmd.Flags().String("status", "", "filter by status (queued, active, completed, failed, cancelled)")
	jobsHistoryCmd.Flags().String("source", "", "filter by triggering execution id")
	jobsHistoryCmd.Flags().Int("limit", 20, "maximum executions to display")
	jobsShowCmd.Flags().BoolP("json", "j", false, "print the execution as JSON")

	JobsCmd.AddCommand(jobsLsCmd, jobsQueueCmd, jobsHistoryCmd, jobsShowCmd, jobsCancelCmd, jobsRetryCmd)
}

// withScheduler builds a submit-only runtime, resolves the tenant flags and
// runs fn on the tenant's scheduler.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, h *tenant.SchedulerHandle) error) (err error) {
	tenantID, _ := cmd.Flags().GetString("tenant")
	orgID, _ := cmd.Flags().GetString("org")

	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := buildRuntime(ctx, cfg, false, logger.ComponentLogger("jobs"))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = errors.CombineErrors(err, rt.Close(closeCtx))
	}()

	h, err := schedulerFor(ctx, rt, tenantID, orgID)
	if err != nil {
		return err
	}
	return fn(h.Context(ctx), h)
}

func printExecution(ex *record.Execution) {
	pterm.DefaultSection.Printfln("%s %s", ex.Name, ex.ID)
	pterm.Printfln("  Status:   %s", ex.Status)
	pterm.Printfln("  Created:  %s", ex.CreatedAt.Local().Format(time.DateTime))
	if ex.StartedAt != nil {
		pterm.Printfln("  Started:  %s", ex.StartedAt.Local().Format(time.DateTime))
	}
	if ex.EndedAt != nil {
		pterm.Printfln("  Ended:    %s", ex.EndedAt.Local().Format(time.DateTime))
	}
	if ex.RetryCount > 0 {
		pterm.Printfln("  Retries:  %d", ex.RetryCount)
	}
	if ex.SourceJobID != "" {
		pterm.Printfln("  Source:   %s (%s)", ex.SourceJobID, ex.SourceEventName)
	}
	if ex.LoopPrevented {
		pterm.Warning.Printfln("Loop prevented: %s", ex.LoopReason)
	}
	if len(ex.Params) > 0 {
		pterm.Printfln("  Params:   %s", ex.Params)
	}
	if len(ex.Stats) > 0 {
		pterm.Printfln("  Stats:    %s", ex.Stats)
	}
	if len(ex.CompletionInfo) > 0 {
		pterm.Printfln("  Result:   %s", ex.CompletionInfo)
	}
	if ex.ErrorMessage != "" {
		pterm.Error.Println(ex.ErrorMessage)
	}
	if len(ex.Logs) == 0 {
		return
	}
	pterm.Println()
	data := pterm.TableData{{"TIME", "LEVEL", "MESSAGE"}}
	for _, entry := range ex.Logs {
		data = append(data, []string{entry.LoggedAt.Local().Format(time.TimeOnly), entry.Level, entry.Message})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// splitPair parses "tenant/org"; a bare tenant gets the default org.
func splitPair(pair string) (string, string) {
	tenantID, orgID, found := strings.Cut(pair, "/")
	if !found {
		return tenantID, tenant.DefaultOrgID
	}
	return tenantID, orgID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
