package note

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantMeta map[string]any
		wantBody string
		wantErr  error
	}{
		{
			name:     "no frontmatter",
			content:  "# Raft\n\nbody\n",
			wantMeta: map[string]any{},
			wantBody: "# Raft\n\nbody\n",
		},
		{
			name:     "frontmatter",
			content:  "---\ntitle: Raft\ntags:\n  - consensus\n---\n# Raft\n",
			wantMeta: map[string]any{"title": "Raft", "tags": []any{"consensus"}},
			wantBody: "# Raft\n",
		},
		{
			name:     "empty frontmatter",
			content:  "---\n---\nbody",
			wantMeta: map[string]any{},
			wantBody: "body",
		},
		{
			name:     "crlf delimiters",
			content:  "---\r\ntitle: Raft\r\n---\r\nbody",
			wantMeta: map[string]any{"title": "Raft"},
			wantBody: "body",
		},
		{
			name:    "unclosed",
			content: "---\ntitle: Raft\n# Raft\n",
			wantErr: ErrInvalidMetadata,
		},
		{
			name:    "bad yaml",
			content: "---\ntitle: [unclosed\n---\nbody",
			wantErr: ErrInvalidMetadata,
		},
		{
			name:    "not a mapping",
			content: "---\n- a\n- b\n---\nbody",
			wantErr: ErrInvalidMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.content)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantMeta, n.Meta); diff != "" {
				t.Errorf("meta mismatch (-want +got):\n%s", diff)
			}
			if n.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", n.Body, tt.wantBody)
			}
		})
	}
}

func TestMergeAndRender(t *testing.T) {
	n, err := Parse("---\ntitle: Raft\nstatus: draft\n---\nold body\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	err = n.Merge(map[string]any{
		"content": "new body\n",
		"status":  "reviewed",
		"tags":    []any{"consensus"},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	n.SetDefault("title", "ignored")
	n.SetDefault("type", "concept")

	got, err := n.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "---\nstatus: reviewed\ntags:\n    - consensus\ntitle: Raft\ntype: concept\n---\nnew body\n"
	if got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}

	again, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse(rendered) error = %v", err)
	}
	if again.Body != "new body\n" || again.Meta["status"] != "reviewed" {
		t.Errorf("rendered note did not parse back: %+v", again)
	}
}

func TestMergeRejectsNonStringContent(t *testing.T) {
	n := &Note{}
	if err := n.Merge(map[string]any{"content": 42}); err == nil {
		t.Error("expected error for non-string content")
	}
}

func TestRenderWithoutMeta(t *testing.T) {
	n := &Note{Body: "plain"}
	got, err := n.Render()
	if err != nil || got != "plain" {
		t.Errorf("Render() = %q, %v", got, err)
	}
}

func TestAppendReport(t *testing.T) {
	got := AppendReport("# Raft\n\nbody\n\n", map[string]any{
		"verdict": "mostly accurate",
		"summary": "One claim needs a source.",
		"issues": []any{
			map[string]any{"claim": "leaders never change", "correction": "leaders change on timeout"},
			"missing citation",
		},
	})
	want := "# Raft\n\nbody\n\n## Verification\n\n**Verdict:** mostly accurate\n\nOne claim needs a source.\n\n" +
		"- leaders never change → leaders change on timeout\n- missing citation\n"
	if got != want {
		t.Errorf("AppendReport() =\n%q\nwant\n%q", got, want)
	}
}

func TestDiff(t *testing.T) {
	d := Diff("concepts/raft.md", "a\nb\nc\n", "a\nB\nc\n")
	for _, want := range []string{"--- a/concepts/raft.md", "+++ b/concepts/raft.md", "-b", "+B"} {
		if !strings.Contains(d, want) {
			t.Errorf("diff missing %q:\n%s", want, d)
		}
	}
	if Diff("x.md", "same\n", "same\n") != "" {
		t.Error("identical content should produce an empty diff")
	}
}
