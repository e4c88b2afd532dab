package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tecnicocursos/render-api/internal/model"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var req model.RenderSubmitRequest
	var resolution, format, quality, priority string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a render of a project's current timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Settings.Resolution = model.Resolution(resolution)
			req.Settings.Format = model.Format(format)
			req.Settings.Quality = model.Quality(quality)
			req.Priority = model.Priority(priority)

			var resp model.RenderSubmitResponse
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/render-jobs", &req, &resp); err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd.OutOrStdout(), resp); ok {
				return err
			}
			printf(cmd, "Queued %s (%d steps, ~%ds)\n", resp.JobID, resp.TotalSteps, resp.EstimatedDurationSec)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.ProjectID, "project", "p", "", "Project ID")
	flags.StringVar(&resolution, "resolution", "1080p", "Output resolution")
	flags.IntVar(&req.Settings.FPS, "fps", 30, "Frames per second")
	flags.StringVar(&format, "format", "mp4", "Container format (mp4, webm, mov)")
	flags.StringVar(&quality, "quality", "high", "Quality preset")
	flags.BoolVar(&req.Settings.Audio.Narration, "narration", false, "Synthesize slide narration")
	flags.BoolVar(&req.Settings.Audio.Enabled, "audio", false, "Include an audio track")
	flags.StringVar(&priority, "priority", "", "Queue priority (low, normal, high, urgent)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job model.RenderJobResponse
			if err := ctx.client().do(cmd.Context(), http.MethodGet, "/api/render-jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd.OutOrStdout(), job); ok {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobDetail(&job))
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var projectID, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"projectId": {projectID}}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var list model.RenderJobListResponse
			if err := ctx.client().do(cmd.Context(), http.MethodGet, "/api/render-jobs?"+q.Encode(), nil, &list); err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd.OutOrStdout(), list); ok {
				return err
			}
			if len(list.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobTable(list.Jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project ID")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp model.RenderCancelResponse
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/render-jobs/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd.OutOrStdout(), resp); ok {
				return err
			}
			if resp.Status == model.JobStatusCancelled {
				printf(cmd, "Cancelled %s\n", resp.JobID)
			} else {
				printf(cmd, "Job %s already %s\n", resp.JobID, resp.Status)
			}
			return nil
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and worker usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats model.QueueStatsResponse
			if err := ctx.client().do(cmd.Context(), http.MethodGet, "/api/render-jobs/stats", nil, &stats); err != nil {
				return err
			}
			if ok, err := ctx.emit(cmd.OutOrStdout(), stats); ok {
				return err
			}
			rows := [][]string{
				{"pending", strconv.FormatInt(stats.Pending, 10)},
				{"leased", strconv.FormatInt(stats.Leased, 10)},
				{"busy", fmt.Sprintf("%d/%d", stats.Busy, stats.Capacity)},
			}
			for name, n := range stats.ByQueue {
				rows = append(rows, []string{name, strconv.FormatInt(n, 10)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func renderJobTable(jobs []*model.RenderJobResponse) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.JobID,
			string(j.Status),
			fmt.Sprintf("%d%%", j.Progress),
			stepLabel(j.CurrentStep, j.StepIndex, j.TotalSteps),
			fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts),
			j.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Job", "Status", "Progress", "Step", "Attempt", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func renderJobDetail(j *model.RenderJobResponse) string {
	rows := [][]string{
		{"Job", j.JobID},
		{"Project", j.ProjectID},
		{"Status", string(j.Status)},
		{"Progress", fmt.Sprintf("%d%%", j.Progress)},
		{"Step", stepLabel(j.CurrentStep, j.StepIndex, j.TotalSteps)},
		{"Attempt", fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts)},
		{"Settings", fmt.Sprintf("%s %dfps %s/%s", j.Settings.Resolution, j.Settings.FPS, j.Settings.Format, j.Settings.Codec)},
	}
	if j.Output != nil {
		rows = append(rows, []string{"Output", firstNonEmpty(j.Output.URL, j.Output.ArtifactRef)})
	}
	if j.Error != nil {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s", j.Error.Kind, j.Error.Message)})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func stepLabel(step string, index, total int) string {
	if step == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%d/%d)", strings.ReplaceAll(step, "_", " "), index+1, total)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
