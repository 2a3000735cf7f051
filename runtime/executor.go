package runtime

import (
	"sort"
	"strings"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warriorguo/llmflow/budget"
	"github.com/warriorguo/llmflow/events"
	"github.com/warriorguo/llmflow/memory"
	"github.com/warriorguo/llmflow/planner"
	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

const memoryRecallLimit = 3

/**
 * executor owns one run from execution_started to execution_completed.
 * It is the only writer of runState: workers hand back stepOutcome
 * values and the driver applies them between groups, so the scheduling
 * decisions never race with step results. Agent steps go through the
 * engine-wide worker pool; tools and conditionals are cheap enough to
 * run on the group goroutine.
 */
type executor struct {
	runID string
	graph *types.Graph
	plan  *planner.ExecutionPlan
	input string

	nodes    map[string]*types.Node
	outgoing map[string][]types.Edge

	worker    *stepWorker
	tools     *toolRegistry
	memory    *memory.Store
	records   *recordStore
	publisher events.Publisher
	enforcer  *budget.Enforcer
	pool      *workerpool.WorkerPool

	rec *types.ExecutionRecord
	rs  *runState

	orderCounter int
}

func newExecutor(rec *types.ExecutionRecord, plan *planner.ExecutionPlan, input string) *executor {
	ex := &executor{
		runID:    rec.ID,
		graph:    &rec.GraphSnapshot,
		plan:     plan,
		input:    input,
		nodes:    make(map[string]*types.Node, len(rec.GraphSnapshot.Nodes)),
		outgoing: make(map[string][]types.Edge),
		rec:      rec,
	}
	for i := range ex.graph.Nodes {
		n := &ex.graph.Nodes[i]
		ex.nodes[n.ID] = n
	}
	for _, e := range ex.graph.Edges {
		ex.outgoing[e.Source] = append(ex.outgoing[e.Source], e)
	}
	ex.rs = newRunState(ex.graph)
	return ex
}

func (ex *executor) lookupNode(id string) *types.Node {
	return ex.nodes[id]
}

func (ex *executor) execute(ctx *runCtx) {
	started := time.Now().UTC()
	ex.rec.Status = types.RunRunning
	ex.rec.StartedAt = &started
	ex.saveExecution(ctx)

	ex.publish(ctx, events.NewExecutionStarted(ex.plan.TotalSteps, ex.plan.MaxParallelism, ex.plan.EstimatedRounds))

	status := ex.runGroups(ctx)

	totals := ex.collectTotals(started)
	totals.EventsDropped = ex.publisher.Dropped(ex.runID)

	completed := time.Now().UTC()
	ex.rec.Status = status
	ex.rec.Totals = totals
	ex.rec.CompletedAt = &completed
	if status == types.RunFailed {
		ex.rec.Error = ex.firstFailure()
	}
	ex.saveExecution(ctx)

	ex.publish(ctx, events.NewExecutionCompleted(status, totals))
	ex.publisher.CloseRun(ex.runID)
}

func (ex *executor) runGroups(ctx *runCtx) types.RunStatus {
	for _, group := range ex.plan.Groups {
		if ctx.Err() != nil {
			ex.markRemainingNotRun(ctx)
			return types.RunCancelled
		}

		runnable := make([]planner.PlannedStep, 0, len(group.Steps))
		for _, step := range group.Steps {
			if reason, skip := ex.shouldSkip(step); skip {
				ex.applySkip(ctx, step, reason)
				continue
			}
			runnable = append(runnable, step)
		}

		outcomes := make([]*stepOutcome, len(runnable))
		eg := &errgroup.Group{}
		for i, step := range runnable {
			i, step := i, step
			eg.Go(func() error {
				outcomes[i] = ex.runStep(ctx, step)
				return nil
			})
		}
		// workers never return errors; the group is only a barrier
		_ = eg.Wait()

		for i, step := range runnable {
			ex.applyOutcome(ctx, step, outcomes[i])
		}

		if ctx.Err() != nil {
			ex.markRemainingNotRun(ctx)
			return types.RunCancelled
		}
		if ex.enforcer.Check() == budget.StatusExceeded {
			ex.haltOnBudget(ctx)
			return types.RunBudgetExceeded
		}
	}

	failed, completed := false, false
	for nodeID, st := range ex.rs.steps {
		switch st.status {
		case types.StepFailed:
			failed = true
		case types.StepCompleted:
			// a conditional completes as pure routing and proves nothing
			// about the run's output
			if ex.nodes[nodeID].Kind != types.KindConditional {
				completed = true
			}
		}
	}
	// failures surface in the totals and step records; the run itself
	// only fails when nothing produced output
	if failed && !completed {
		return types.RunFailed
	}
	return types.RunCompleted
}

/**
 * shouldSkip resolves the partial-input rule: a step runs as long as at
 * least one incoming edge is satisfied, and is skipped only when every
 * incoming edge was rejected. A failure rejection anywhere in the mix
 * wins the reason over a condition rejection.
 */
func (ex *executor) shouldSkip(step planner.PlannedStep) (string, bool) {
	if len(step.DependsOn) == 0 {
		return "", false
	}
	satisfied, failures := 0, 0
	for _, dep := range step.DependsOn {
		switch ex.rs.edges[dep][step.NodeID] {
		case edgeSatisfied:
			satisfied++
		case edgeRejectedFailure:
			failures++
		}
	}
	if satisfied > 0 {
		return "", false
	}
	if failures > 0 {
		return types.SkipDependencyFailed, true
	}
	return types.SkipConditionNotMet, true
}

func (ex *executor) runStep(ctx *runCtx, step planner.PlannedStep) *stepOutcome {
	node := ex.nodes[step.NodeID]
	input := ex.assembleInput(ctx, step, node)

	switch node.Kind {
	case types.KindAgent:
		ex.rs.steps[step.NodeID].input = input
		ex.publish(ctx, events.NewAgentStarted(node.ID, node.DisplayName(), step.Group))
		done := make(chan *stepOutcome, 1)
		ex.pool.Submit(func() {
			done <- ex.worker.run(ctx, node, ex.lookupNode, input, step.Group)
		})
		return <-done

	case types.KindTool:
		ex.rs.steps[step.NodeID].input = input
		ex.publish(ctx, events.NewAgentStarted(node.ID, node.DisplayName(), step.Group))
		return ex.runTool(ctx, node, input)

	case types.KindConditional:
		// routing only: the output is the input, the branching happens
		// on the outgoing edges
		return &stepOutcome{kind: outcomeCompleted, output: input, attempts: 1}
	}
	return &stepOutcome{kind: outcomeFailed, errKind: types.ErrKindConfiguration,
		err: types.NewConfigErrorf("node %s: unknown kind %q", node.ID, node.Kind)}
}

func (ex *executor) runTool(ctx *runCtx, node *types.Node, input string) *stepOutcome {
	started := time.Now()
	handler, err := ex.tools.resolve(node.Tool.Type)
	if err != nil {
		return &stepOutcome{kind: outcomeFailed, attempts: 1, errKind: types.KindOf(err), err: err}
	}
	out, err := handler(ctx, node.Tool.Config, input)
	if err != nil {
		return &stepOutcome{kind: outcomeFailed, attempts: 1, errKind: types.KindOf(err), err: err}
	}
	return &stepOutcome{
		kind:      outcomeCompleted,
		output:    out,
		attempts:  1,
		latencyMs: time.Since(started).Milliseconds(),
	}
}

/**
 * assembleInput builds the user message of a step. Dependency-free
 * steps see the run input. Dependent steps see every satisfied
 * upstream output, labelled by agent name; rejected edges contribute
 * nothing. Memory recall, when configured, is prepended as context.
 */
func (ex *executor) assembleInput(ctx *runCtx, step planner.PlannedStep, node *types.Node) string {
	parts := make([]string, 0, len(step.DependsOn)+1)

	if node.Agent != nil && node.Agent.MemoryRecall != "" {
		results, err := ex.memory.Recall(ctx, ex.runID, node.Agent.MemoryRecall, memoryRecallLimit)
		if err != nil {
			log.Warnf("run %s: node %s: memory recall: %v", ex.runID, node.ID, err)
		}
		for _, r := range results {
			parts = append(parts, "[memory] "+r.Text)
		}
	}

	if len(step.DependsOn) == 0 {
		parts = append(parts, ex.input)
		return strings.Join(parts, "\n\n")
	}
	for _, dep := range step.DependsOn {
		if ex.rs.edges[dep][node.ID] != edgeSatisfied {
			continue
		}
		depNode := ex.nodes[dep]
		parts = append(parts, depNode.DisplayName()+":\n"+ex.rs.steps[dep].output)
	}
	return strings.Join(parts, "\n\n")
}

func (ex *executor) applyOutcome(ctx *runCtx, step planner.PlannedStep, out *stepOutcome) {
	node := ex.nodes[step.NodeID]
	st := ex.rs.steps[step.NodeID]

	record := ex.buildStepRecord(step, node, out)
	st.record = record

	switch {
	case out.completed():
		// the node counts as completed even when only its fallback
		// succeeded; the original's record keeps its failed status
		st.status = types.StepCompleted
		st.output = out.finalOutput()
		if out.kind == outcomeCompleted && node.Kind != types.KindConditional {
			ex.publish(ctx, events.NewAgentCompleted(node.ID, node.DisplayName(),
				record.TokensPrompt, record.TokensCompletion, record.Cost, record.LatencyMs))
		}
		ex.saveMemory(ctx, node, st.output)
		ex.resolveOutgoing(node, st.output)

	case out.kind == outcomeCancelled:
		st.status = types.StepFailed
		record.Error = "execution cancelled"
		ex.rejectOutgoing(node.ID)

	default:
		st.status = types.StepFailed
		ex.rejectOutgoing(node.ID)
	}
	ex.saveStep(ctx, record)

	if out.fallback != nil {
		fbNode := ex.nodes[node.Agent.FallbackID]
		fbRecord := ex.buildStepRecord(step, fbNode, out.fallback)
		fbRecord.IsFallback = true
		fbRecord.FallbackFor = node.ID
		st.fallback = fbRecord
		ex.saveStep(ctx, fbRecord)
		if out.fallback.kind == outcomeCompleted {
			ex.publish(ctx, events.NewAgentCompleted(fbNode.ID, fbNode.DisplayName(),
				fbRecord.TokensPrompt, fbRecord.TokensCompletion, fbRecord.Cost, fbRecord.LatencyMs))
		}
	}
}

func (ex *executor) buildStepRecord(step planner.PlannedStep, node *types.Node, out *stepOutcome) *types.StepRecord {
	ex.orderCounter++
	record := &types.StepRecord{
		ID:               uuid.NewString(),
		ExecutionID:      ex.runID,
		NodeID:           node.ID,
		Name:             node.DisplayName(),
		Model:            out.model,
		TokensPrompt:     out.tokensPrompt,
		TokensCompletion: out.tokensCompletion,
		Cost:             out.cost,
		LatencyMs:        out.latencyMs,
		Retries:          out.attempts - 1,
		ExecutionOrder:   ex.orderCounter,
		ParallelGroup:    step.Group,
	}
	if node.Agent != nil {
		record.Provider = node.Agent.Provider
	}
	if in := ex.rs.steps[step.NodeID].input; in != "" {
		record.Input = types.Data{"text": in}
	}
	switch out.kind {
	case outcomeCompleted:
		record.Status = types.StepCompleted
		record.Output = types.Data{"text": out.output}
	default:
		record.Status = types.StepFailed
		if out.err != nil {
			record.Error = out.err.Error()
		}
	}
	return record
}

func (ex *executor) saveMemory(ctx *runCtx, node *types.Node, output string) {
	if node.Agent == nil || node.Agent.MemoryKey == "" {
		return
	}
	err := ex.memory.Save(ctx, ex.runID, node.Agent.MemoryKey, output, types.Data{"source": node.ID})
	if err != nil {
		log.Warnf("run %s: node %s: memory save: %v", ex.runID, node.ID, err)
	}
}

/**
 * resolveOutgoing settles the edges of a completed node. Unconditional
 * edges are satisfied outright. Condition-bearing edges are evaluated
 * in ascending target id with defaults last, and the first match wins:
 * every later conditional edge is rejected. A conditional node with a
 * branches table routes its unconditional edges the same way, matching
 * the output against the branch values.
 */
func (ex *executor) resolveOutgoing(node *types.Node, output string) {
	edges := ex.outgoing[node.ID]

	branchTarget, hasBranches := ex.branchTarget(node, output)

	plain := make([]types.Edge, 0, len(edges))
	conditional := make([]types.Edge, 0, len(edges))
	for _, e := range edges {
		if e.Condition == "" {
			plain = append(plain, e)
		} else {
			conditional = append(conditional, e)
		}
	}

	for _, e := range plain {
		if hasBranches && e.Target != branchTarget {
			ex.rs.edges[node.ID][e.Target] = edgeRejectedCondition
			continue
		}
		ex.rs.edges[node.ID][e.Target] = edgeSatisfied
	}

	sort.SliceStable(conditional, func(i, j int) bool {
		ci, _ := types.ParseCondition(conditional[i].Condition)
		cj, _ := types.ParseCondition(conditional[j].Condition)
		if ci.IsDefault() != cj.IsDefault() {
			return cj.IsDefault()
		}
		return conditional[i].Target < conditional[j].Target
	})

	matched := false
	for _, e := range conditional {
		cond, err := types.ParseCondition(e.Condition)
		if err != nil {
			// the planner validated conditions; a parse failure here
			// means the stored graph was edited behind our back
			log.Errorf("run %s: edge %s->%s: %v", ex.runID, e.Source, e.Target, err)
			ex.rs.edges[node.ID][e.Target] = edgeRejectedCondition
			continue
		}
		if !matched && cond.Matches(output) {
			matched = true
			ex.rs.edges[node.ID][e.Target] = edgeSatisfied
			continue
		}
		ex.rs.edges[node.ID][e.Target] = edgeRejectedCondition
	}
}

// branchTarget resolves a conditional node's branches table: exact
// value match first, the "default" entry as the catch-all.
func (ex *executor) branchTarget(node *types.Node, output string) (string, bool) {
	if node.Kind != types.KindConditional || node.Conditional == nil || len(node.Conditional.Branches) == 0 {
		return "", false
	}
	if target, ok := node.Conditional.Branches[output]; ok {
		return target, true
	}
	if target, ok := node.Conditional.Branches["default"]; ok {
		return target, true
	}
	return "", true
}

func (ex *executor) rejectOutgoing(nodeID string) {
	for target := range ex.rs.edges[nodeID] {
		ex.rs.edges[nodeID][target] = edgeRejectedFailure
	}
}

func (ex *executor) applySkip(ctx *runCtx, step planner.PlannedStep, reason string) {
	node := ex.nodes[step.NodeID]
	st := ex.rs.steps[step.NodeID]
	st.status = types.StepSkipped
	ex.rejectOutgoing(node.ID)

	ex.orderCounter++
	record := &types.StepRecord{
		ID:             uuid.NewString(),
		ExecutionID:    ex.runID,
		NodeID:         node.ID,
		Name:           node.DisplayName(),
		Status:         types.StepSkipped,
		Error:          reason,
		ExecutionOrder: ex.orderCounter,
		ParallelGroup:  step.Group,
	}
	st.record = record
	ex.saveStep(ctx, record)

	if node.Kind != types.KindConditional {
		ex.publish(ctx, events.NewAgentSkipped(node.ID, node.DisplayName(), reason))
	}
}

// haltOnBudget marks every step that has not reached a terminal status
// as not_run and publishes the terminal budget event.
func (ex *executor) haltOnBudget(ctx *runCtx) {
	ex.enforcer.Halt()
	notRun := ex.markRemainingNotRun(ctx)

	used := ex.enforcer.Consumed()
	maxTokens, maxCost := ex.enforcer.Limits()
	ex.publish(ctx, events.NewBudgetExceeded(used.Tokens, used.Cost, maxTokens, maxCost, notRun))
}

func (ex *executor) markRemainingNotRun(ctx *runCtx) []string {
	notRun := make([]string, 0)
	ex.plan.Walk(func(step planner.PlannedStep) bool {
		st := ex.rs.steps[step.NodeID]
		if st.status.Terminal() || st.status == types.StepRunning {
			return true
		}
		st.status = types.StepNotRun
		notRun = append(notRun, step.NodeID)

		ex.orderCounter++
		record := &types.StepRecord{
			ID:             uuid.NewString(),
			ExecutionID:    ex.runID,
			NodeID:         step.NodeID,
			Name:           ex.nodes[step.NodeID].DisplayName(),
			Status:         types.StepNotRun,
			ExecutionOrder: ex.orderCounter,
			ParallelGroup:  step.Group,
		}
		st.record = record
		ex.saveStep(ctx, record)
		return true
	})
	sort.Strings(notRun)
	return notRun
}

// collectTotals aggregates the run from its step records. The sums over
// the records equal the totals exactly, fallback records included.
func (ex *executor) collectTotals(started time.Time) types.Totals {
	totals := types.Totals{}
	for nodeID, st := range ex.rs.steps {
		node := ex.nodes[nodeID]
		records := make([]*types.StepRecord, 0, 2)
		if st.record != nil {
			records = append(records, st.record)
		}
		if st.fallback != nil {
			records = append(records, st.fallback)
		}
		for _, r := range records {
			totals.TokensPrompt += r.TokensPrompt
			totals.TokensCompletion += r.TokensCompletion
			totals.Cost += r.Cost
		}
		if node.Kind != types.KindAgent {
			continue
		}
		switch st.status {
		case types.StepCompleted:
			totals.AgentsCompleted++
		case types.StepFailed:
			totals.AgentsFailed++
		case types.StepSkipped:
			totals.AgentsSkipped++
		}
	}
	totals.Cost = pricing.Round6(totals.Cost)
	totals.DurationMs = time.Since(started).Milliseconds()
	return totals
}

func (ex *executor) firstFailure() string {
	msg := ""
	ex.plan.Walk(func(step planner.PlannedStep) bool {
		st := ex.rs.steps[step.NodeID]
		if st.status == types.StepFailed && st.record != nil {
			msg = "step " + step.NodeID + ": " + st.record.Error
			return false
		}
		return true
	})
	return msg
}

func (ex *executor) saveExecution(ctx *runCtx) {
	if err := ex.records.saveExecution(ctx, ex.rec); err != nil {
		log.Errorf("run %s: persist execution record: %v", ex.runID, err)
	}
}

func (ex *executor) saveStep(ctx *runCtx, record *types.StepRecord) {
	now := time.Now().UTC()
	if record.CompletedAt == nil {
		record.CompletedAt = &now
	}
	if err := ex.records.saveStep(ctx, record); err != nil {
		log.Errorf("run %s: persist step record %s: %v", ex.runID, record.NodeID, err)
	}
}

func (ex *executor) publish(ctx *runCtx, ev events.Event) {
	ex.publisher.Publish(ctx.GetRunID(), ev)
}
