package runtime

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/store"
	"github.com/warriorguo/llmflow/types"
	"github.com/warriorguo/llmflow/utils"
)

const (
	workflowPrefix  = "/workflow/"
	executionPrefix = "/execution/"
	planPrefix      = "/plan/"
	stepPrefixRoot  = "/step/"
)

/**
 * recordStore maps the engine's records onto the key/value store. Step
 * keys are zero-padded execution order plus node id, so List in
 * ascending key order yields execution order without a sort.
 */
type recordStore struct {
	kv store.Store
}

func newRecordStore(kv store.Store) *recordStore {
	return &recordStore{kv: kv}
}

func stepPrefix(runID string) string {
	return stepPrefixRoot + runID + "/"
}

func stepKey(executionOrder int, nodeID string) string {
	return fmt.Sprintf("%04d_%s", executionOrder, nodeID)
}

func (r *recordStore) saveWorkflow(ctx context.Context, w *types.WorkflowRecord) error {
	b, err := utils.Serialize(w)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.kv.Set(ctx, workflowPrefix, w.ID, b))
}

func (r *recordStore) getWorkflow(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	b, err := r.kv.Get(ctx, workflowPrefix, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(b) == 0 {
		return nil, errors.NotFoundf("workflow %s", id)
	}
	w := &types.WorkflowRecord{}
	if err := utils.Unserialize(b, w); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (r *recordStore) removeWorkflow(ctx context.Context, id string) error {
	return errors.Trace(r.kv.Remove(ctx, workflowPrefix, id))
}

func (r *recordStore) listWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error) {
	ids := make([]string, 0)
	err := r.kv.List(ctx, workflowPrefix, func(key string) bool {
		ids = append(ids, key)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]*types.WorkflowRecord, 0, len(ids))
	for _, id := range ids {
		w, err := r.getWorkflow(ctx, id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *recordStore) saveExecution(ctx context.Context, e *types.ExecutionRecord) error {
	b, err := utils.Serialize(e)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.kv.Set(ctx, executionPrefix, e.ID, b))
}

func (r *recordStore) getExecution(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	b, err := r.kv.Get(ctx, executionPrefix, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(b) == 0 {
		return nil, errors.NotFoundf("execution %s", id)
	}
	e := &types.ExecutionRecord{}
	if err := utils.Unserialize(b, e); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// listExecutions returns every run, optionally narrowed to one
// workflow. An empty workflowID matches everything.
func (r *recordStore) listExecutions(ctx context.Context, workflowID string) ([]*types.ExecutionRecord, error) {
	ids := make([]string, 0)
	err := r.kv.List(ctx, executionPrefix, func(key string) bool {
		ids = append(ids, key)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]*types.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		e, err := r.getExecution(ctx, id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *recordStore) savePlan(ctx context.Context, runID string, plan []byte) error {
	return errors.Trace(r.kv.Set(ctx, planPrefix, runID, plan))
}

func (r *recordStore) getPlan(ctx context.Context, runID string) ([]byte, error) {
	b, err := r.kv.Get(ctx, planPrefix, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(b) == 0 {
		return nil, errors.NotFoundf("plan for execution %s", runID)
	}
	return b, nil
}

func (r *recordStore) saveStep(ctx context.Context, s *types.StepRecord) error {
	b, err := utils.Serialize(s)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.kv.Set(ctx, stepPrefix(s.ExecutionID), stepKey(s.ExecutionOrder, s.NodeID), b))
}

func (r *recordStore) listSteps(ctx context.Context, runID string) ([]*types.StepRecord, error) {
	keys := make([]string, 0)
	err := r.kv.List(ctx, stepPrefix(runID), func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]*types.StepRecord, 0, len(keys))
	for _, key := range keys {
		b, err := r.kv.Get(ctx, stepPrefix(runID), key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		s := &types.StepRecord{}
		if err := utils.Unserialize(b, s); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, s)
	}
	return out, nil
}
