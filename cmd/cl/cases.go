package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/events"
	"caseline/internal/repo"
)

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseAssignCmd())
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseReopenCmd())
	c.AddCommand(caseWorkflowCmd())
	c.AddCommand(caseChecklistCmd())
	c.AddCommand(caseNoteCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var in engine.NewCase
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case for a paid service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.CreateCase(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().StringVar(&in.UserID, "user-id", "", "customer id")
	cmd.Flags().StringVar(&in.ServiceID, "service", "", "service id")
	cmd.Flags().StringVar(&in.PaymentRef, "payment-ref", "", "payment reference")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.GetCase(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilter
	var status, slaStatus string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.CaseStatus(status)
			f.SLAStatus = domain.SLAStatus(slaStatus)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cases, err := a.Engine.Cases.ListCases(ctx, currentActor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Service", "Status", "Step", "Assignee", "SLA", "Deadline"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.UserID, c.ServiceID, c.Status, c.CurrentStep, deref(c.AssignedEmployeeID), a.Engine.Cases.LiveSLA(c), formatTime(c.SLADeadline)})
				}
				tw.Render()
				if len(cases) > 0 && len(cases) == f.Limit {
					fmt.Printf("next cursor: %s\n", repo.CaseCursor(cases[len(cases)-1]))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user-id", "", "customer filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assigned employee filter")
	cmd.Flags().StringVar(&f.ServiceID, "service", "", "service filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&slaStatus, "sla-status", "", "stored SLA status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "continue after this cursor")
	return cmd
}

func caseAssignCmd() *cobra.Command {
	var employee string
	cmd := &cobra.Command{
		Use:   "assign <case-id>",
		Short: "Assign an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.AssignEmployee(ctx, currentActor(), args[0], employee)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().StringVar(&employee, "employee", "", "employee id")
	_ = cmd.MarkFlagRequired("employee")
	return cmd
}

func caseStatusCmd() *cobra.Command {
	var status, reason string
	var step int
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Change status or advance the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.StatusUpdate{Status: domain.CaseStatus(status), Reason: reason}
			if cmd.Flags().Changed("step") {
				u.CurrentStep = &step
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if u.Status == "" {
					c, err := a.Engine.Cases.GetCase(ctx, currentActor(), args[0])
					if err != nil {
						return err
					}
					u.Status = c.Status
				}
				c, err := a.Engine.Cases.UpdateStatus(ctx, currentActor(), args[0], u)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (defaults to the current one)")
	cmd.Flags().IntVar(&step, "step", 0, "zero-based workflow step")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the timeline")
	return cmd
}

func caseReopenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reopen <case-id>",
		Short: "Reopen a completed case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.Reopen(ctx, currentActor(), args[0], reason)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the case is reopened")
	return cmd
}

func caseWorkflowCmd() *cobra.Command {
	var templateID string
	cmd := &cobra.Command{
		Use:   "workflow <case-id>",
		Short: "Assign a workflow template and start the SLA clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.AssignWorkflow(ctx, currentActor(), args[0], templateID)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func caseChecklistCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "checklist <case-id> <step-id> <item-id>",
		Short: "Mark a checklist item done (or not done with --undo)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Cases.UpdateChecklistProgress(ctx, currentActor(), args[0], args[1], args[2], !undo)
				if err != nil {
					return err
				}
				return printCase(a, c)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the item not done")
	return cmd
}

func caseNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <case-id> <text>",
		Short: "Add a staff-only note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Engine.Cases.AddInternalNote(ctx, currentActor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
}

func timelineCmd() *cobra.Command {
	var internal bool
	var f events.Filter
	var evtType string
	cmd := &cobra.Command{
		Use:   "timeline <case-id>",
		Short: "Show a case timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = domain.EventType(evtType)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				read := a.Engine.Timeline.UserTimeline
				if internal {
					read = a.Engine.Timeline.InternalTimeline
				}
				items, err := read(ctx, currentActor(), args[0], f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Title", "By", "Visible"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt.Format("2006-01-02 15:04"), e.Type, e.Title, e.PerformedBy.UserID, e.IsVisibleToUser})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&internal, "internal", false, "include staff-only events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of events")
	cmd.Flags().Int64Var(&f.Cursor, "before", 0, "only events with a smaller id")
	return cmd
}

func printCase(a *app.Context, c domain.Case) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			domain.Case
			SLALive domain.SLAStatus `json:"sla_live"`
		}{c, a.Engine.Cases.LiveSLA(c)})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"User", c.UserID},
		{"Service", c.ServiceID},
		{"Status", c.Status},
		{"Step", strconv.Itoa(c.CurrentStep)},
		{"Assignee", deref(c.AssignedEmployeeID)},
		{"Workflow", deref(c.WorkflowTemplateID)},
		{"SLA", fmt.Sprintf("%s (stored %s)", a.Engine.Cases.LiveSLA(c), c.SLAStatus)},
		{"Deadline", formatTime(c.SLADeadline)},
		{"Reopened", c.ReopenCount},
	})
	tw.Render()
	return nil
}
