package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kination/noteflow/internal/store"
)

func (o *Orchestrator) recordPrefix() string {
	return "pipeline-" + string(o.kind) + "-"
}

// saveRecord persists a review-pending pipeline. Failures are logged; the
// pipeline continues in memory.
func (o *Orchestrator) saveRecord(ctx context.Context, pc *PipelineContext) {
	if o.deps.Records == nil {
		return
	}
	data, err := json.Marshal(pc)
	if err == nil {
		err = o.deps.Records.Put(ctx, o.recordPrefix()+pc.ID, data)
	}
	if err != nil {
		log.Error(err, "failed to persist pending pipeline", "pipeline", pc.ID)
	}
}

func (o *Orchestrator) deleteRecord(ctx context.Context, id string) {
	if o.deps.Records == nil {
		return
	}
	if err := o.deps.Records.Delete(ctx, o.recordPrefix()+id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error(err, "failed to delete pending pipeline record", "pipeline", id)
	}
}

// Restore loads the review-pending pipelines saved by an earlier process.
// Records in any other stage are stale and removed.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.deps.Records == nil {
		return 0, nil
	}
	prefix := o.recordPrefix()
	names, err := o.deps.Records.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending pipelines: %w", err)
	}
	restored := 0
	for _, name := range names {
		data, err := o.deps.Records.Get(ctx, name)
		if err != nil {
			return restored, fmt.Errorf("failed to load %s: %w", name, err)
		}
		var pc PipelineContext
		if err := json.Unmarshal(data, &pc); err != nil || pc.Stage != StageReview || pc.Kind != o.kind {
			log.Info("dropping stale pipeline record", "record", name)
			o.deleteRecord(ctx, strings.TrimPrefix(name, prefix))
			continue
		}
		o.mu.Lock()
		if _, exists := o.pipelines[pc.ID]; !exists {
			o.pipelines[pc.ID] = &entry{pc: &pc}
			restored++
		}
		o.mu.Unlock()
	}
	if restored > 0 {
		log.Info("restored pending pipelines", "kind", o.kind, "count", restored)
	}
	return restored, nil
}
