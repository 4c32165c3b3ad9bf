// Package graph validates workflow step dependencies and computes step readiness.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Graph is a validated, acyclic step graph.
type Graph struct {
	steps      []domain.Step
	index      map[string]int
	dependents map[string][]string
	order      []string
}

// Build validates the steps and returns their dependency graph.
// It fails with domain.ErrInvalidGraph on duplicate ids, unknown dependencies or cycles.
func Build(steps []domain.Step) (*Graph, error) {
	g := &Graph{
		steps:      steps,
		index:      make(map[string]int, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for i, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: step %d has empty id", domain.ErrInvalidGraph, i)
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", domain.ErrInvalidGraph, s.ID)
		}
		g.index[s.ID] = i
	}

	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", domain.ErrInvalidGraph, s.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[s.ID]++
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm, seeded in step-list order so the result is deterministic.
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.order = append(g.order, id)
		for _, next := range g.dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(g.order) != len(steps) {
		var stuck []string
		for _, s := range steps {
			if inDegree[s.ID] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: cycle detected among steps [%s]", domain.ErrInvalidGraph, strings.Join(stuck, ", "))
	}

	return g, nil
}

// Steps returns the steps in their original list order.
func (g *Graph) Steps() []domain.Step {
	return g.steps
}

// Step looks up a step by id.
func (g *Graph) Step(id string) (domain.Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return domain.Step{}, false
	}
	return g.steps[i], true
}

// Order returns step ids in a topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Dependents returns the ids of steps that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}

// ReadySteps returns, in step-list order, the pending steps whose dependencies
// are all success or skipped.
func ReadySteps(g *Graph, results map[string]*domain.StepResult) []domain.Step {
	var ready []domain.Step
	for _, s := range g.steps {
		if statusOf(results, s.ID) != domain.StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			st := statusOf(results, dep)
			if st != domain.StepStatusSuccess && st != domain.StepStatusSkipped {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// BlockedSteps returns the pending steps that can never run, with the reason
// they must be skipped. Callers apply the skips and call again until the result is empty,
// which propagates blocking transitively.
func BlockedSteps(g *Graph, results map[string]*domain.StepResult) map[string]domain.SkipReason {
	blocked := make(map[string]domain.SkipReason)
	for _, s := range g.steps {
		if statusOf(results, s.ID) != domain.StepStatusPending {
			continue
		}
		if reason, ok := blockReason(g, s, results); ok {
			blocked[s.ID] = reason
		}
	}
	return blocked
}

func blockReason(g *Graph, s domain.Step, results map[string]*domain.StepResult) (domain.SkipReason, bool) {
	wantBranch := s.ConfigString("branch")
	for _, dep := range s.DependsOn {
		res := results[dep]
		if res == nil {
			continue
		}
		switch res.Status {
		case domain.StepStatusError:
			return domain.SkipReasonDependencyFailed, true
		case domain.StepStatusSkipped:
			if res.SkipReason.Blocking() {
				return res.SkipReason, true
			}
		case domain.StepStatusSuccess:
			if wantBranch == "" {
				continue
			}
			depStep, _ := g.Step(dep)
			if depStep.Kind != domain.StepKindCondition {
				continue
			}
			if branch := BranchOf(res.Output); branch != "" && branch != wantBranch {
				return domain.SkipReasonBranchNotTaken, true
			}
		}
	}
	return "", false
}

// BranchOf extracts the branch taken from a condition step's output.
func BranchOf(output interface{}) string {
	m, ok := output.(map[string]interface{})
	if !ok {
		return ""
	}
	b, _ := m["branch"].(string)
	return b
}

func statusOf(results map[string]*domain.StepResult, id string) domain.StepStatus {
	if r, ok := results[id]; ok && r != nil {
		return r.Status
	}
	return domain.StepStatusPending
}
