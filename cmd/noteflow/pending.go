package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kination/noteflow/internal/app"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect and resolve pipelines awaiting confirmation",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines awaiting confirmation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			pending := a.Pending()
			if len(pending) == 0 {
				fmt.Println("No pending changes.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tFILE\tCREATED")
			for _, pc := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pc.ID, pc.Kind, pc.FilePath, pc.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the diff of a pending pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			_, pc, err := a.FindPipeline(args[0])
			if err != nil {
				return err
			}
			fmt.Println(pc.Diff)
			return nil
		})
	},
}

var pendingConfirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Write the changes of a pending pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			orch, _, err := a.FindPipeline(args[0])
			if err != nil {
				return err
			}
			wake, stop := watch(orch)
			defer stop()
			if _, err := orch.ConfirmWrite(ctx, args[0]); err != nil {
				return err
			}
			return follow(ctx, orch, args[0], wake)
		})
	},
}

var pendingRegenerateCmd = &cobra.Command{
	Use:   "regenerate <id>",
	Short: "Generate the changes again from the current file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			orch, _, err := a.FindPipeline(args[0])
			if err != nil {
				return err
			}
			wake, stop := watch(orch)
			defer stop()
			if _, err := orch.Regenerate(ctx, args[0]); err != nil {
				return err
			}
			return follow(ctx, orch, args[0], wake)
		})
	},
}

var pendingCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Discard a pending pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			orch, _, err := a.FindPipeline(args[0])
			if err != nil {
				return err
			}
			pc, err := orch.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("🗑  Discarded %s pipeline %s for %s\n", pc.Kind, pc.ID, pc.FilePath)
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{pendingConfirmCmd, pendingRegenerateCmd} {
		cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Write regenerated changes without asking")
	}
	pendingCmd.AddCommand(pendingListCmd, pendingShowCmd, pendingConfirmCmd, pendingRegenerateCmd, pendingCancelCmd)
	rootCmd.AddCommand(pendingCmd)
}
