package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    TaskKind
		raw     string
		wantErr string
	}{
		{name: "amend", kind: KindAmend, raw: `{"currentContent":"body","instruction":"shorter"}`},
		{name: "merge", kind: KindMerge, raw: `{"targetContent":"a","sourceNodeId":"n2","sourceContent":"b"}`},
		{name: "image", kind: KindImageGenerate, raw: `{"prompt":"a cat"}`},
		{name: "missing field", kind: KindAmend, raw: `{"currentContent":"body"}`, wantErr: "instruction"},
		{name: "unknown field", kind: KindVerify, raw: `{"content":"x","extra":1}`, wantErr: "unknown field"},
		{name: "wrong shape for kind", kind: KindIndex, raw: `{"prompt":"a cat"}`, wantErr: "unknown field"},
		{name: "trailing content", kind: KindVerify, raw: `{"content":"x"} {}`, wantErr: "trailing"},
		{name: "empty", kind: KindVerify, raw: ``, wantErr: "empty"},
		{name: "unknown kind", kind: TaskKind("summarize"), raw: `{}`, wantErr: "unknown task kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.kind, []byte(tt.raw))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, p.Kind())
			}
		})
	}
}

func TestDecodePayload_UnknownKindIsSentinel(t *testing.T) {
	_, err := DecodePayload("bogus", []byte(`{}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestCheckPayload(t *testing.T) {
	if err := CheckPayload(KindAmend, AmendPayload{CurrentContent: "a", Instruction: "b"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckPayload(KindAmend, VerifyPayload{Content: "a"}); err == nil {
		t.Error("expected mismatch error")
	}
	if err := CheckPayload(KindAmend, nil); err == nil {
		t.Error("expected error for nil payload")
	}
	if err := CheckPayload("bogus", VerifyPayload{Content: "a"}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPayloadRoundTripThroughDecode(t *testing.T) {
	in := WritePayload{NodeType: "concept", Title: "Entropy", UserInput: "thermodynamics"}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodePayload(KindWrite, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.(WritePayload) != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestTaskRecordClone(t *testing.T) {
	orig := &TaskRecord{ID: "t1", Errors: []TaskError{{Code: CodeNetwork}}, Result: map[string]any{"a": 1}}
	cp := orig.Clone()
	cp.Errors[0].Code = CodeTimeout
	cp.Result["a"] = 2
	if orig.Errors[0].Code != CodeNetwork {
		t.Error("clone shares error slice")
	}
	if orig.Result["a"] != 1 {
		t.Error("clone shares result map")
	}
}
