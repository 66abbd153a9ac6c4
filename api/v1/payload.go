package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Payload is the kind-specific input of a task. Each task kind has exactly one
// payload type; DecodePayload enforces the pairing on the way back from storage.
type Payload interface {
	Kind() TaskKind
	Validate() error
}

// DefinePayload asks for a definition of a new concept.
type DefinePayload struct {
	NodeType  string `json:"nodeType"`
	Title     string `json:"title"`
	UserInput string `json:"userInput,omitempty"`
}

func (DefinePayload) Kind() TaskKind { return KindDefine }

func (p DefinePayload) Validate() error {
	return requireFields(map[string]string{"nodeType": p.NodeType, "title": p.Title})
}

// TagPayload asks for tags for existing content.
type TagPayload struct {
	NodeType string `json:"nodeType"`
	Content  string `json:"content"`
}

func (TagPayload) Kind() TaskKind { return KindTag }

func (p TagPayload) Validate() error {
	return requireFields(map[string]string{"nodeType": p.NodeType, "content": p.Content})
}

// WritePayload asks for the full body of a note being created.
type WritePayload struct {
	NodeType       string `json:"nodeType"`
	Title          string `json:"title"`
	CurrentContent string `json:"currentContent,omitempty"`
	UserInput      string `json:"userInput,omitempty"`
}

func (WritePayload) Kind() TaskKind { return KindWrite }

func (p WritePayload) Validate() error {
	return requireFields(map[string]string{"nodeType": p.NodeType, "title": p.Title})
}

// AmendPayload asks for an edit of existing content following an instruction.
type AmendPayload struct {
	CurrentContent string `json:"currentContent"`
	Instruction    string `json:"instruction"`
}

func (AmendPayload) Kind() TaskKind { return KindAmend }

func (p AmendPayload) Validate() error {
	return requireFields(map[string]string{"currentContent": p.CurrentContent, "instruction": p.Instruction})
}

// MergePayload asks for one note combining a target and a source note.
type MergePayload struct {
	TargetContent string `json:"targetContent"`
	SourceNodeID  string `json:"sourceNodeId"`
	SourceContent string `json:"sourceContent"`
	Instruction   string `json:"instruction,omitempty"`
}

func (MergePayload) Kind() TaskKind { return KindMerge }

func (p MergePayload) Validate() error {
	return requireFields(map[string]string{
		"targetContent": p.TargetContent,
		"sourceNodeId":  p.SourceNodeID,
		"sourceContent": p.SourceContent,
	})
}

// IndexPayload asks for an embedding of the given content.
type IndexPayload struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

func (IndexPayload) Kind() TaskKind { return KindIndex }

func (p IndexPayload) Validate() error {
	return requireFields(map[string]string{"filePath": p.FilePath, "content": p.Content})
}

// VerifyPayload asks for a fact-check report on the given content.
type VerifyPayload struct {
	NodeType string `json:"nodeType,omitempty"`
	Content  string `json:"content"`
}

func (VerifyPayload) Kind() TaskKind { return KindVerify }

func (p VerifyPayload) Validate() error {
	return requireFields(map[string]string{"content": p.Content})
}

// ImageGeneratePayload asks for an illustration of a note.
type ImageGeneratePayload struct {
	Prompt      string `json:"prompt"`
	Context     string `json:"context,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

func (ImageGeneratePayload) Kind() TaskKind { return KindImageGenerate }

func (p ImageGeneratePayload) Validate() error {
	return requireFields(map[string]string{"prompt": p.Prompt})
}

// ErrUnknownKind is returned for task kinds outside the closed set.
var ErrUnknownKind = errors.New("unknown task kind")

// CheckPayload verifies that p is a valid payload for kind.
func CheckPayload(kind TaskKind, p Payload) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if p == nil {
		return fmt.Errorf("payload is required for %s tasks", kind)
	}
	if p.Kind() != kind {
		return fmt.Errorf("payload of kind %s does not match task kind %s", p.Kind(), kind)
	}
	return p.Validate()
}

// DecodePayload decodes raw JSON into the payload type for kind. Unknown
// fields, trailing content and missing required fields are errors.
func DecodePayload(kind TaskKind, raw []byte) (Payload, error) {
	switch kind {
	case KindDefine:
		p, err := decodeStrict[DefinePayload](raw)
		return checked(p, err)
	case KindTag:
		p, err := decodeStrict[TagPayload](raw)
		return checked(p, err)
	case KindWrite:
		p, err := decodeStrict[WritePayload](raw)
		return checked(p, err)
	case KindAmend:
		p, err := decodeStrict[AmendPayload](raw)
		return checked(p, err)
	case KindMerge:
		p, err := decodeStrict[MergePayload](raw)
		return checked(p, err)
	case KindIndex:
		p, err := decodeStrict[IndexPayload](raw)
		return checked(p, err)
	case KindVerify:
		p, err := decodeStrict[VerifyPayload](raw)
		return checked(p, err)
	case KindImageGenerate:
		p, err := decodeStrict[ImageGeneratePayload](raw)
		return checked(p, err)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func checked[T Payload](p T, err error) (Payload, error) {
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict[T any](raw []byte) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, errors.New("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return out, errors.New("decode payload: trailing content")
	}
	return out, nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required payload fields: %s", strings.Join(missing, ", "))
}
