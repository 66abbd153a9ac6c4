package command

import (
	"context"

	v1 "github.com/kination/noteflow/api/v1"
)

// Embed runs the index command for content and returns the embedding from the
// "embedding" field of its output.
func (e *Executor) Embed(ctx context.Context, nodeID, filePath, content string) ([]float32, error) {
	result, err := e.Execute(ctx, v1.TaskRecord{
		ID:      "embed-" + nodeID,
		NodeID:  nodeID,
		Kind:    v1.KindIndex,
		Payload: v1.IndexPayload{FilePath: filePath, Content: content},
	})
	if err != nil {
		return nil, err
	}
	return Vector(result)
}

// Vector reads the "embedding" field of a result map.
func Vector(result map[string]any) ([]float32, error) {
	raw, ok := result["embedding"].([]any)
	if !ok || len(raw) == 0 {
		return nil, v1.NewTaskError(v1.CodeInvalidResponse, "result has no embedding")
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, v1.NewTaskError(v1.CodeInvalidResponse, "embedding[%d] is %T, not a number", i, v)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// HasKind reports whether a command is configured for kind
func (e *Executor) HasKind(kind v1.TaskKind) bool {
	_, ok := e.specs[kind]
	return ok
}
