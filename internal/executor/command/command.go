// Package command runs tasks through external provider commands. The task is
// written to the command's stdin as JSON and the result is read from stdout.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/noteflow/api/v1"
)

var log = ctrl.Log.WithName("command")

// waitDelay bounds how long a cancelled command may keep its pipes open.
const waitDelay = 5 * time.Second

// Spec is the command configured for one task kind
type Spec struct {
	Kind    v1.TaskKind
	Command []string
	Dir     string
	Env     []string
}

// Request is written to the command's stdin
type Request struct {
	TaskID   string      `json:"taskId"`
	NodeID   string      `json:"nodeId"`
	Kind     v1.TaskKind `json:"kind"`
	Attempt  int         `json:"attempt"`
	Provider string      `json:"provider,omitempty"`
	Prompt   string      `json:"prompt,omitempty"`
	Payload  v1.Payload  `json:"payload"`
}

type errorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Executor runs one external command per task kind.
type Executor struct {
	specs map[v1.TaskKind]Spec
}

// New creates an Executor for the given specs. Each spec needs a known kind
// and a non-empty command.
func New(specs ...Spec) (*Executor, error) {
	e := &Executor{specs: make(map[v1.TaskKind]Spec, len(specs))}
	for _, s := range specs {
		if !s.Kind.Valid() {
			return nil, fmt.Errorf("%w: %q", v1.ErrUnknownKind, s.Kind)
		}
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			return nil, fmt.Errorf("command for task kind %s is empty", s.Kind)
		}
		e.specs[s.Kind] = s
	}
	return e, nil
}

// Kinds implements executor.Executor
func (e *Executor) Kinds() []v1.TaskKind {
	kinds := make([]v1.TaskKind, 0, len(e.specs))
	for k := range e.specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute implements executor.Executor
func (e *Executor) Execute(ctx context.Context, task v1.TaskRecord) (map[string]any, error) {
	spec, ok := e.specs[task.Kind]
	if !ok {
		return nil, v1.NewTaskError(v1.CodeValidation, "no command configured for task kind %s", task.Kind)
	}
	input, err := json.Marshal(Request{
		TaskID:   task.ID,
		NodeID:   task.NodeID,
		Kind:     task.Kind,
		Attempt:  task.Attempts + 1,
		Provider: task.ProviderRef,
		Prompt:   task.PromptRef,
		Payload:  task.Payload,
	})
	if err != nil {
		return nil, v1.NewTaskError(v1.CodeInvalidPayload, "failed to encode request: %v", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	killGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.V(1).Info("Running provider command", "task", task.ID, "kind", task.Kind, "command", spec.Command[0])
	runErr := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, v1.NewTaskError(v1.CodeTimeout, "command for %s timed out", task.Kind)
		}
		return nil, v1.NewTaskError(v1.CodeCancelled, "command for %s was cancelled", task.Kind)
	}
	if runErr != nil {
		if te := parseError(stdout.Bytes()); te != nil {
			return nil, te
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, v1.NewTaskError(v1.CodeExecution, "command exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String()))
		}
		return nil, v1.NewTaskError(v1.CodeInternal, "failed to start command: %v", runErr)
	}
	return parseResult(stdout.Bytes())
}

// parseResult decodes stdout into a result map. An error envelope on a
// successful exit is still a failure.
func parseResult(out []byte) (map[string]any, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, v1.NewTaskError(v1.CodeInvalidResponse, "command produced no output")
	}
	if te := parseError(out); te != nil {
		return nil, te
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, v1.NewTaskError(v1.CodeInvalidResponse, "command output is not a JSON object: %v", err)
	}
	return result, nil
}

func parseError(out []byte) *v1.TaskError {
	var env errorEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(out), &env); err != nil || env.Error == nil || env.Error.Code == "" {
		return nil
	}
	return &v1.TaskError{Code: env.Error.Code, Message: env.Error.Message}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}
