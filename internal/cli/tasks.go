package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

func tasksCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and resolve escalation tasks",
	}
	cmd.AddCommand(tasksListCmd(o))
	cmd.AddCommand(tasksGetCmd(o))
	cmd.AddCommand(tasksResolveCmd(o))
	return cmd
}

func tasksListCmd(o *options) *cobra.Command {
	var (
		status   string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := escalation.ListQuery{Status: escalation.Status(status), Page: page, PageSize: pageSize}
			if err := q.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closeFn, err := o.openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := store.List(ctx, q)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			printTasks(cmd.OutOrStdout(), q.Status, p)
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(escalation.StatusPending), "pending or resolved")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", escalation.DefaultPageSize, "tasks per page")
	return cmd
}

func tasksGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <email_id>",
		Short: "Show one escalation task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := o.openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			t, ok, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			if !ok {
				return fmt.Errorf("task %s not found", args[0])
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func tasksResolveCmd(o *options) *cobra.Command {
	var r escalation.Resolution
	cmd := &cobra.Command{
		Use:   "resolve <email_id>",
		Short: "Mark an escalation task as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, closeFn, err := o.openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			t, ok, err := store.Resolve(ctx, args[0], r)
			if err != nil {
				return fmt.Errorf("resolve task: %w", err)
			}
			if !ok {
				return fmt.Errorf("task %s not found", args[0])
			}
			o.logger.Info(ctx, "task resolved", "email_id", t.EmailID, "operator", t.Operator)
			fmt.Fprintf(cmd.OutOrStdout(), "%s resolved %s\n", color.New(color.FgGreen).Sprint("✓"), t.EmailID)
			return nil
		},
	}
	cmd.Flags().StringVar(&r.Operator, "operator", "", "name of the person who handled the email (required)")
	cmd.Flags().StringVar(&r.ReplyContent, "reply", "", "reply text that was sent")
	cmd.Flags().StringVar(&r.ReplyID, "reply-id", "", "message id of the sent reply")
	cmd.Flags().StringVar(&r.Remark, "remark", "", "free-form note")
	return cmd
}

func statusColor(s escalation.Status) *color.Color {
	switch s {
	case escalation.StatusPending:
		return color.New(color.FgYellow)
	case escalation.StatusResolved:
		return color.New(color.FgGreen)
	}
	return color.New(color.Reset)
}

func printTasks(out io.Writer, status escalation.Status, p *escalation.Page) {
	if len(p.Tasks) == 0 {
		fmt.Fprintf(out, "no %s tasks\n", status)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL ID\tSTATUS\tCATEGORY\tSENDER\tSUBJECT\tCREATED")
	for i := range p.Tasks {
		t := &p.Tasks[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.EmailID,
			statusColor(t.Status).Sprint(t.Status),
			t.Category,
			t.Sender,
			oneLine(t.Subject, 50),
			t.CreatedAt.Local().Format(time.DateTime),
		)
	}
	_ = w.Flush()

	pages := (p.Total + p.PageSize - 1) / p.PageSize
	fmt.Fprintf(out, "\npage %d of %d (%d tasks)\n", p.Page, pages, p.Total)
}

func printTask(out io.Writer, t *escalation.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("Email ID", t.EmailID)
	row("Thread ID", t.ThreadID)
	row("Status", statusColor(t.Status).Sprint(t.Status))
	row("Category", t.Category)
	row("Sender", t.Sender)
	row("Subject", t.Subject)
	row("Created", t.CreatedAt.Local().Format(time.DateTime))
	if t.ProcessedAt != nil {
		row("Processed", t.ProcessedAt.Local().Format(time.DateTime))
	}
	row("Operator", t.Operator)
	row("Reply ID", t.ReplyID)
	row("Remark", t.Remark)
	_ = w.Flush()

	fmt.Fprintf(out, "\n%s\n", t.Body)
	if t.ReplyContent != "" {
		fmt.Fprintf(out, "\n--- reply ---\n%s\n", t.ReplyContent)
	}
}

// oneLine flattens s and cuts it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
