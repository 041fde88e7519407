package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and replay drain-conversation jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsShowCmd())
	cmd.AddCommand(jobsReplayCmd())
	return cmd
}

// withStack loads config, builds the stack and closes it after fn.
func withStack(fn func(ctx context.Context, st *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.stores.Close()
	return fn(ctx, st)
}

func requireAdmin(st *stack) (store.JobAdmin, error) {
	if st.stores.Admin == nil {
		return nil, fmt.Errorf("queue backend %q keeps no job rows; inspect the %s.final queue on the broker instead",
			st.cfg.Queue.Backend, queueConfig(st.cfg).Name)
	}
	return st.stores.Admin, nil
}

func jobsListCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				admin, err := requireAdmin(st)
				if err != nil {
					return err
				}
				jobs, err := admin.ListJobs(ctx, statuses, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(jobs)
				}
				if len(jobs) == 0 {
					fmt.Println("no jobs")
					return nil
				}
				fmt.Printf("%-36s  %-9s  %-7s  %-20s  %-40s  %s\n", "ID", "STATUS", "ATTEMPT", "RUN AT", "CONVERSATION", "LAST ERROR")
				for _, j := range jobs {
					fmt.Printf("%-36s  %-9s  %3d/%-3d  %-20s  %-40s  %s\n",
						j.ID, j.Status, j.Attempt, j.MaxAttempts,
						j.RunAt.Local().Format(time.DateTime), jobConversation(j), truncate(j.LastError, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (scheduled, running, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one job with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				admin, err := requireAdmin(st)
				if err != nil {
					return err
				}
				job, err := admin.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*store.Job
					Payload json.RawMessage `json:"payload"`
				}{job, rawOrString(job.Payload)})
			})
		},
	}
}

func jobsReplayCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-dispatch a failed job's batch through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				admin, err := requireAdmin(st)
				if err != nil {
					return err
				}
				job, err := admin.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if job.Status != store.JobStatusFailed && !force {
					return fmt.Errorf("job %s is %s, not failed (use --force to replay anyway)", job.ID, job.Status)
				}
				out, err := st.coord.Replay(ctx, *job)
				if err != nil {
					var derr *coordinator.DispatchError
					if errors.As(err, &derr) {
						return fmt.Errorf("replay dispatch failed, batch unchanged: %w", err)
					}
					return err
				}
				if out == nil {
					fmt.Println("nothing to replay: the job carried no batch and the buffer is empty")
					return nil
				}
				fmt.Printf("replayed %d message(s) for %s, dispatch id %s\n",
					out.Batch.MessageCount, out.Batch.ConversationKey, out.Result.DispatchID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replay jobs that are not in failed status")
	return cmd
}

func jobConversation(j store.Job) string {
	p, err := coordinator.DecodeTrigger(j.Payload)
	if err != nil {
		return "(bad payload)"
	}
	if p.Batch != nil {
		return fmt.Sprintf("%s [%d msgs]", truncate(p.ConversationKey, 30), p.Batch.MessageCount)
	}
	return truncate(p.ConversationKey, 40)
}

func rawOrString(b []byte) json.RawMessage {
	if len(b) > 0 && json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
