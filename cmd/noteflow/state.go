package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kination/noteflow/internal/app"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the persisted queue state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved queue state document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			st, err := a.SavedState(ctx)
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("No saved queue state.")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		})
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo <snapshot>",
	Short: "Restore a note from an undo snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			snap, err := a.Snapshots.Restore(ctx, args[0])
			if err != nil {
				return err
			}
			if snap.Existed {
				fmt.Printf("↩️  Restored %s to its state at %s\n", snap.Path, snap.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Printf("↩️  Removed %s, which did not exist at %s\n", snap.Path, snap.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List undo snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			snaps, err := a.Snapshots.List(ctx)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Printf("%s  %s  %s\n", s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04:05"), s.Path)
			}
			return nil
		})
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	rootCmd.AddCommand(stateCmd, undoCmd, snapshotsCmd)
}
