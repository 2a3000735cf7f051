package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/planner"
	"github.com/warriorguo/llmflow/types"
)

/**
 * RenderExecution draws the run as Graphviz DOT: one cluster per
 * parallel group, node colors from step status, edge labels from the
 * conditions. Feed the output to dot -Tsvg.
 */
func (e *Engine) RenderExecution(ctx context.Context, runID string) (string, error) {
	rec, err := e.records.getExecution(ctx, runID)
	if err != nil {
		return "", errors.Trace(err)
	}
	planBytes, err := e.records.getPlan(ctx, runID)
	if err != nil {
		return "", errors.Trace(err)
	}
	plan, err := planner.UnmarshalPlan(planBytes)
	if err != nil {
		return "", errors.Trace(err)
	}
	steps, err := e.records.listSteps(ctx, runID)
	if err != nil {
		return "", errors.Trace(err)
	}
	return newDAGRenderer().generateDOT(rec, plan, steps), nil
}

func newDAGRenderer() *dagRenderer {
	return &dagRenderer{nil, &strings.Builder{}}
}

type dagRenderer struct {
	records map[string]*types.StepRecord
	sb      *strings.Builder
}

func (d *dagRenderer) setRecords(steps []*types.StepRecord) {
	d.records = make(map[string]*types.StepRecord, len(steps))
	for _, s := range steps {
		if s.IsFallback {
			// fallback records ride along on the original node
			continue
		}
		d.records[s.NodeID] = s
	}
}

func (d *dagRenderer) generateDOT(rec *types.ExecutionRecord, plan *planner.ExecutionPlan, steps []*types.StepRecord) string {
	d.setRecords(steps)

	d.write("digraph D {")
	d.write("rankdir=LR")
	for _, group := range plan.Groups {
		d.write("subgraph cluster_group_%d {", group.Index)
		d.write("style=filled")
		d.write("color=lightgrey")
		d.write("label=%s", quoteString(fmt.Sprintf("group %d", group.Index)))
		for _, step := range group.Steps {
			d.drawNode(step)
		}
		d.write("}")
	}
	d.drawLinks(&rec.GraphSnapshot)
	d.write("label=%s", quoteString(rec.WorkflowID+" / "+rec.ID))
	d.write("}")
	return d.sb.String()
}

func (d *dagRenderer) drawNode(step planner.PlannedStep) {
	shape := "record"
	switch step.Node.Kind {
	case types.KindConditional:
		shape = "diamond"
	case types.KindTool:
		shape = "box"
	}
	d.write("%s [label=%s shape=\"%s\"%s]",
		idString(step.NodeID), quoteString(step.Node.DisplayName()), shape, d.calcAttr(step.NodeID))
}

func (d *dagRenderer) calcAttr(nodeID string) string {
	record, exists := d.records[nodeID]
	if !exists {
		return ""
	}

	color := ""
	switch record.Status {
	case types.StepCompleted:
		color = "green"
	case types.StepFailed:
		color = "red"
	case types.StepSkipped:
		color = "gray"
	case types.StepNotRun:
		color = "white"
	default:
		color = "yellow"
	}

	comment := record.Error
	if comment == "" && record.Model != "" {
		comment = fmt.Sprintf("%s %d+%d tokens", record.Model, record.TokensPrompt, record.TokensCompletion)
	}
	return fmt.Sprintf(" style=\"filled\" color=\"%s\" comment=\"%s\"", color, formatNL(addSlashes(comment)))
}

func (d *dagRenderer) drawLinks(graph *types.Graph) {
	for _, e := range graph.Edges {
		if e.Condition == "" {
			d.write("%s -> %s", idString(e.Source), idString(e.Target))
			continue
		}
		d.write("%s -> %s [label=%s]", idString(e.Source), idString(e.Target), quoteString(e.Condition))
	}
	for _, n := range graph.Nodes {
		if n.Agent == nil || n.Agent.FallbackID == "" {
			continue
		}
		d.write("%s -> %s [style=\"dashed\" label=\"fallback\"]", idString(n.ID), idString(n.Agent.FallbackID))
	}
}

func (d *dagRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\"", "'", " "}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func formatNL(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", "."}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}
