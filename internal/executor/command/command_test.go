package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	v1 "github.com/kination/noteflow/api/v1"
)

func shell(kind v1.TaskKind, script string) Spec {
	return Spec{Kind: kind, Command: []string{"sh", "-c", script}}
}

func tagTask() v1.TaskRecord {
	return v1.TaskRecord{
		ID:          "t-1",
		NodeID:      "concepts/raft",
		Kind:        v1.KindTag,
		ProviderRef: "local",
		Payload:     v1.TagPayload{NodeType: "concept", Content: "Raft is a consensus algorithm."},
	}
}

func TestNewValidatesSpecs(t *testing.T) {
	if _, err := New(Spec{Kind: "summarize", Command: []string{"true"}}); !errors.Is(err, v1.ErrUnknownKind) {
		t.Errorf("New() error = %v, want ErrUnknownKind", err)
	}
	if _, err := New(Spec{Kind: v1.KindTag}); err == nil {
		t.Error("New() should reject an empty command")
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		want     map[string]any
		wantCode string
	}{
		{
			name:   "json result",
			script: `cat >/dev/null; echo '{"tags":["consensus","distributed"]}'`,
			want:   map[string]any{"tags": []any{"consensus", "distributed"}},
		},
		{
			name:     "error envelope with failing exit",
			script:   `cat >/dev/null; echo '{"error":{"code":"RATE_LIMITED","message":"slow down"}}'; exit 3`,
			wantCode: v1.CodeRateLimited,
		},
		{
			name:     "error envelope with clean exit",
			script:   `cat >/dev/null; echo '{"error":{"code":"AUTH_ERROR","message":"bad key"}}'`,
			wantCode: v1.CodeAuth,
		},
		{
			name:     "not json",
			script:   `cat >/dev/null; echo 'here are your tags: go'`,
			wantCode: v1.CodeInvalidResponse,
		},
		{
			name:     "no output",
			script:   `cat >/dev/null`,
			wantCode: v1.CodeInvalidResponse,
		},
		{
			name:     "plain failure",
			script:   `cat >/dev/null; echo 'boom' >&2; exit 2`,
			wantCode: v1.CodeExecution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(shell(v1.KindTag, tt.script))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			got, err := e.Execute(context.Background(), tagTask())
			if tt.wantCode != "" {
				var te *v1.TaskError
				if !errors.As(err, &te) || te.Code != tt.wantCode {
					t.Fatalf("Execute() error = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecuteWritesRequestToStdin(t *testing.T) {
	e, err := New(shell(v1.KindTag, `cat`))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := e.Execute(context.Background(), tagTask())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := map[string]any{
		"taskId":   "t-1",
		"nodeId":   "concepts/raft",
		"kind":     "tag",
		"attempt":  float64(1),
		"provider": "local",
		"payload":  map[string]any{"nodeType": "concept", "content": "Raft is a consensus algorithm."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteCancelled(t *testing.T) {
	// The trailing command keeps the shell from exec'ing sleep, so sleep runs
	// as a grandchild holding stdout open.
	e, err := New(shell(v1.KindTag, `sleep 10; echo '{}'`))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = e.Execute(ctx, tagTask())
	var te *v1.TaskError
	if !errors.As(err, &te) || te.Code != v1.CodeCancelled {
		t.Fatalf("Execute() error = %v, want %s", err, v1.CodeCancelled)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, want the command group killed promptly", elapsed)
	}
}

func TestExecuteUnconfiguredKind(t *testing.T) {
	e, err := New(shell(v1.KindTag, `true`))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	task := tagTask()
	task.Kind = v1.KindVerify
	_, err = e.Execute(context.Background(), task)
	var te *v1.TaskError
	if !errors.As(err, &te) || te.Code != v1.CodeValidation {
		t.Errorf("Execute() error = %v, want %s", err, v1.CodeValidation)
	}
	if e.HasKind(v1.KindVerify) {
		t.Error("HasKind(verify) = true")
	}
}

func TestEmbed(t *testing.T) {
	e, err := New(shell(v1.KindIndex, `cat >/dev/null; echo '{"embedding":[0.5,1,-2]}'`))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	vec, err := e.Embed(context.Background(), "n1", "n1.md", "body")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if diff := cmp.Diff([]float32{0.5, 1, -2}, vec); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}

	if _, err := Vector(map[string]any{"embedding": []any{"x"}}); err == nil {
		t.Error("Vector() should reject non-numeric entries")
	}
	if _, err := Vector(map[string]any{}); err == nil {
		t.Error("Vector() should reject a missing embedding")
	}
}
