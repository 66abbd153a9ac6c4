package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kination/noteflow/internal/app"
	"github.com/kination/noteflow/internal/pipeline"
)

var (
	assumeYes bool
	filePath  string
	nodeType  string
	title     string
)

var createCmd = &cobra.Command{
	Use:   "create <node> [instruction]",
	Short: "Generate a new note",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd.Context(), pipeline.KindCreate, pipeline.StartRequest{
			NodeID:    args[0],
			FilePath:  filePath,
			NodeType:  nodeType,
			Title:     title,
			UserInput: optionalArg(args, 1),
		})
	},
}

var amendCmd = &cobra.Command{
	Use:   "amend <node> <instruction>",
	Short: "Edit a note following an instruction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd.Context(), pipeline.KindAmend, pipeline.StartRequest{
			NodeID:    args[0],
			FilePath:  filePath,
			UserInput: args[1],
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <target> <source> [instruction]",
	Short: "Fold the source note into the target and delete the source",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd.Context(), pipeline.KindMerge, pipeline.StartRequest{
			NodeID:       args[0],
			FilePath:     filePath,
			SourceNodeID: args[1],
			UserInput:    optionalArg(args, 2),
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <node>",
	Short: "Fact-check a note and append the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd.Context(), pipeline.KindVerify, pipeline.StartRequest{
			NodeID:   args[0],
			FilePath: filePath,
			NodeType: nodeType,
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, amendCmd, mergeCmd, verifyCmd} {
		cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Write changes without asking")
		cmd.Flags().StringVarP(&filePath, "file", "f", "", "Vault-relative path of the note (default <node>.md)")
		rootCmd.AddCommand(cmd)
	}
	createCmd.Flags().StringVar(&nodeType, "type", "", "Note type recorded in the metadata")
	createCmd.Flags().StringVar(&title, "title", "", "Note title (default the node name)")
	verifyCmd.Flags().StringVar(&nodeType, "type", "", "Note type passed to the verifier")
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func runWorkflow(ctx context.Context, kind pipeline.Kind, req pipeline.StartRequest) error {
	return withApp(ctx, true, func(ctx context.Context, a *app.App) error {
		orch := a.Pipeline(kind)
		wake, stop := watch(orch)
		defer stop()

		pc, err := orch.Start(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("🚀 Started %s pipeline %s for %s\n", kind, pc.ID, pc.FilePath)
		return follow(ctx, orch, pc.ID, wake)
	})
}

// watch returns a channel that is signalled after every pipeline event.
// Signals coalesce; the receiver re-reads the pipeline each time.
func watch(orch *pipeline.Orchestrator) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	stop := orch.Subscribe(func(pipeline.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	return wake, stop
}

// follow waits for the pipeline to finish, asking for confirmation when it
// reaches the review gate.
func follow(ctx context.Context, orch *pipeline.Orchestrator, id string, wake <-chan struct{}) error {
	last := pipeline.Stage("")
	for {
		pc, err := orch.Get(id)
		if err != nil {
			return err
		}
		if pc.Stage != last {
			fmt.Printf("   - %s\n", pc.Stage)
			last = pc.Stage
		}
		switch pc.Stage {
		case pipeline.StageReview:
			done, err := review(ctx, orch, pc)
			if done || err != nil {
				return err
			}
			continue
		case pipeline.StageCompleted:
			fmt.Printf("✅ %s written\n", pc.FilePath)
			if len(pc.SnapshotIDs) > 0 {
				fmt.Printf("   undo with: noteflow undo %s\n", pc.SnapshotIDs[0])
			}
			return nil
		case pipeline.StageFailed:
			if pc.Error != nil {
				return &pipeline.Error{Code: pc.Error.Code, Message: pc.Error.Message}
			}
			return fmt.Errorf("pipeline %s failed", id)
		}
		select {
		case <-wake:
		case <-ctx.Done():
			fmt.Printf("⏸  Interrupted; pipeline %s continues on the next run if it reached review\n", id)
			return ctx.Err()
		}
	}
}

// review shows the diff and confirms the write. It reports done when the
// pipeline is left pending for a later `noteflow pending confirm`.
func review(ctx context.Context, orch *pipeline.Orchestrator, pc *pipeline.PipelineContext) (bool, error) {
	fmt.Println(pc.Diff)
	if !assumeYes {
		ok, err := ask(os.Stdin, fmt.Sprintf("Write these changes to %s? [y/N] ", pc.FilePath))
		if err != nil {
			return true, err
		}
		if !ok {
			fmt.Printf("⏸  Left pending; run `noteflow pending confirm %s` to write it later\n", pc.ID)
			return true, nil
		}
	}
	_, err := orch.ConfirmWrite(ctx, pc.ID)
	if errors.Is(err, pipeline.ErrWriteConflict) {
		return true, fmt.Errorf("%w; run `noteflow pending regenerate %s`", err, pc.ID)
	}
	return false, err
}

func ask(in io.Reader, prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
