package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const listErrorWidth = 48

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job queue",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))

	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var filter store.JobFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Status != "" && !validJobStatus(filter.Status) {
				return fmt.Errorf("unknown status %q: must be one of queued, running, done, failed", filter.Status)
			}
			return ctx.withStore(cmd.Context(), func(st cliStore) error {
				jobs, err := st.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Status", "Attempts", "Created", "Error"},
					buildJobRows(jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "Only jobs in this status")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Only jobs of this type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum jobs to list (at most 100)")

	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its payload and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(cmd.Context(), func(st cliStore) error {
				job, err := st.Get(cmd.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s not found", id)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(job)
				}

				rows := [][]string{
					{"ID", job.ID.String()},
					{"Type", job.Type},
					{"Status", job.Status},
					{"Attempts", attemptsLabel(job)},
					{"Created", job.CreatedAt.Format(timeLayout)},
					{"Available", job.AvailableAt.Format(timeLayout)},
				}
				if job.StartedAt != nil {
					rows = append(rows, []string{"Started", job.StartedAt.Format(timeLayout)})
				}
				if job.FinishedAt != nil {
					rows = append(rows, []string{"Finished", job.FinishedAt.Format(timeLayout)})
				}
				if job.Error != nil {
					rows = append(rows, []string{"Error", *job.Error})
				}
				rows = append(rows, []string{"Payload", compactJSON(job.Payload)})
				if len(job.Result) > 0 {
					rows = append(rows, []string{"Result", compactJSON(job.Result)})
				}
				fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")

	return cmd
}

const timeLayout = "2006-01-02 15:04:05"

func buildJobRows(jobs []*models.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID.String(),
			j.Type,
			j.Status,
			attemptsLabel(j),
			j.CreatedAt.Format(timeLayout),
			truncate(j.ErrorMessage(), listErrorWidth),
		})
	}
	return rows
}

func attemptsLabel(j *models.Job) string {
	return strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.MaxAttempts)
}

func validJobStatus(s string) bool {
	switch s {
	case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusDone, models.JobStatusFailed:
		return true
	}
	return false
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
