// Package note parses and renders knowledge-base notes: YAML frontmatter
// followed by a markdown body.
package note

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ContentKey is the result field that replaces the note body
const ContentKey = "content"

// ErrInvalidMetadata is returned when the frontmatter is not a YAML mapping
var ErrInvalidMetadata = errors.New("invalid note metadata")

// Note is a parsed note
type Note struct {
	Meta map[string]any
	Body string
}

// Parse splits content into frontmatter and body. Content without a leading
// "---" line has no metadata.
func Parse(content string) (*Note, error) {
	n := &Note{Meta: map[string]any{}}
	first, rest, found := strings.Cut(content, "\n")
	if strings.TrimRight(first, "\r") != delimiter || !found {
		n.Body = content
		return n, nil
	}

	var meta []string
	lines := strings.SplitAfter(rest, "\n")
	for i, line := range lines {
		if strings.TrimRight(line, "\r\n") == delimiter {
			if err := yaml.Unmarshal([]byte(strings.Join(meta, "")), &n.Meta); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
			}
			if n.Meta == nil {
				n.Meta = map[string]any{}
			}
			n.Body = strings.Join(lines[i+1:], "")
			return n, nil
		}
		meta = append(meta, line)
	}
	return nil, fmt.Errorf("%w: frontmatter is not closed", ErrInvalidMetadata)
}

// Render writes the note back out. Keys are emitted in sorted order.
func (n *Note) Render() (string, error) {
	if len(n.Meta) == 0 {
		return n.Body, nil
	}
	out, err := yaml.Marshal(n.Meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	var b strings.Builder
	b.WriteString(delimiter + "\n")
	b.Write(out)
	b.WriteString(delimiter + "\n")
	b.WriteString(n.Body)
	return b.String(), nil
}

// Merge applies a generated result. The "content" field replaces the body;
// every other field overrides the metadata key of the same name.
func (n *Note) Merge(result map[string]any) error {
	fields := make(map[string]any, len(result))
	for k, v := range result {
		if k == ContentKey {
			body, ok := v.(string)
			if !ok {
				return fmt.Errorf("result field %q is %T, not a string", ContentKey, v)
			}
			n.Body = body
			continue
		}
		fields[k] = v
	}
	if n.Meta == nil {
		n.Meta = map[string]any{}
	}
	if err := mergo.Merge(&n.Meta, fields, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge result metadata: %w", err)
	}
	return nil
}

// SetDefault sets key only if it is missing
func (n *Note) SetDefault(key string, value any) {
	if n.Meta == nil {
		n.Meta = map[string]any{}
	}
	if _, ok := n.Meta[key]; !ok {
		n.Meta[key] = value
	}
}

// AppendReport adds a verification section built from a verify result to
// the end of content.
func AppendReport(content string, report map[string]any) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(content, "\n"))
	b.WriteString("\n\n## Verification\n\n")
	if v, ok := report["verdict"].(string); ok && v != "" {
		fmt.Fprintf(&b, "**Verdict:** %s\n\n", v)
	}
	if s, ok := report["summary"].(string); ok && s != "" {
		b.WriteString(strings.TrimSpace(s))
		b.WriteString("\n\n")
	}
	if issues, ok := report["issues"].([]any); ok && len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(&b, "- %s\n", describe(issue))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func describe(issue any) string {
	m, ok := issue.(map[string]any)
	if !ok {
		return fmt.Sprint(issue)
	}
	if claim, ok := m["claim"].(string); ok {
		if fix, ok := m["correction"].(string); ok && fix != "" {
			return fmt.Sprintf("%s → %s", claim, fix)
		}
		return claim
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

// Diff renders a unified diff between two versions of the note at path.
func Diff(path, before, after string) string {
	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return ""
	}
	return out
}
