package closing

import (
	"fmt"
	"sort"

	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

// Recurrence is how often a closure type runs.
type Recurrence string

const (
	RecurrenceMonthly   Recurrence = "MONTHLY"
	RecurrenceQuarterly Recurrence = "QUARTERLY"
	RecurrenceAnnual    Recurrence = "ANNUAL"
)

// ClosureType is a reusable closing template. Procedures copy everything they
// need from it at creation time, so later catalog changes never reach a live
// procedure.
type ClosureType struct {
	Code                    string          `json:"code"`
	Name                    string          `json:"name"`
	Recurrence              Recurrence      `json:"recurrence"`
	RequiresApproval        bool            `json:"requires_approval"`
	AllowCloseWithAnomalies bool            `json:"allow_close_with_anomalies"`
	Steps                   []StepBlueprint `json:"steps"`
}

// StepBlueprint describes one step of a closure type.
//
// DependsOn lists prerequisite sequence numbers. When it is empty and
// Independent is false, the step depends on the nearest preceding mandatory
// step, which yields a simple chain for all-mandatory blueprints.
type StepBlueprint struct {
	Sequence    int             `json:"sequence"`
	Name        string          `json:"name"`
	Kind        StepKind        `json:"kind"`
	Mandatory   bool            `json:"mandatory"`
	Automatic   bool            `json:"automatic"`
	Controls    []ControlSpec   `json:"controls,omitempty"`
	Generators  []GeneratorSpec `json:"generators,omitempty"`
	DependsOn   []int           `json:"depends_on,omitempty"`
	Independent bool            `json:"independent,omitempty"`
}

// Validate checks the blueprint and that its dependency graph is acyclic.
func (ct *ClosureType) Validate() error {
	if ct.Code == "" {
		return errors.New(errors.ErrCodeInvalidBlueprint, "closure type code is required")
	}
	switch ct.Recurrence {
	case RecurrenceMonthly, RecurrenceQuarterly, RecurrenceAnnual:
	default:
		return errors.Newf(errors.ErrCodeInvalidBlueprint, "closure type %s: unknown recurrence %q", ct.Code, ct.Recurrence)
	}
	if len(ct.Steps) == 0 {
		return errors.Newf(errors.ErrCodeInvalidBlueprint, "closure type %s has no steps", ct.Code)
	}

	seen := make(map[int]bool, len(ct.Steps))
	for _, s := range ct.Steps {
		if s.Sequence <= 0 {
			return errors.Newf(errors.ErrCodeInvalidBlueprint, "step %q: sequence must be positive", s.Name)
		}
		if seen[s.Sequence] {
			return errors.Newf(errors.ErrCodeInvalidBlueprint, "duplicate step sequence %d", s.Sequence)
		}
		seen[s.Sequence] = true
		if !s.Kind.Valid() {
			return errors.Newf(errors.ErrCodeInvalidBlueprint, "step %d: unknown kind %q", s.Sequence, s.Kind)
		}
		for _, c := range s.Controls {
			if err := c.Validate(); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidBlueprint, fmt.Sprintf("step %d control", s.Sequence))
			}
		}
		for _, g := range s.Generators {
			if err := g.Validate(); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidBlueprint, fmt.Sprintf("step %d generator", s.Sequence))
			}
		}
	}

	_, err := ct.Prerequisites()
	return err
}

// OrderedSteps returns the step blueprints sorted by sequence.
func (ct *ClosureType) OrderedSteps() []StepBlueprint {
	steps := make([]StepBlueprint, len(ct.Steps))
	copy(steps, ct.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	return steps
}

// Prerequisites resolves each step's prerequisite sequence numbers and
// rejects unknown references and cycles.
func (ct *ClosureType) Prerequisites() (map[int][]int, error) {
	steps := ct.OrderedSteps()
	known := make(map[int]bool, len(steps))
	for _, s := range steps {
		known[s.Sequence] = true
	}

	deps := make(map[int][]int, len(steps))
	lastMandatory := 0
	for _, s := range steps {
		switch {
		case len(s.DependsOn) > 0:
			for _, d := range s.DependsOn {
				if d == s.Sequence {
					return nil, errors.Newf(errors.ErrCodeInvalidBlueprint, "step %d depends on itself", s.Sequence)
				}
				if !known[d] {
					return nil, errors.Newf(errors.ErrCodeInvalidBlueprint, "step %d depends on unknown step %d", s.Sequence, d)
				}
			}
			deps[s.Sequence] = append([]int(nil), s.DependsOn...)
		case s.Independent || lastMandatory == 0:
			deps[s.Sequence] = nil
		default:
			deps[s.Sequence] = []int{lastMandatory}
		}
		if s.Mandatory {
			lastMandatory = s.Sequence
		}
	}

	if cycle := findCycle(steps, deps); cycle != 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidBlueprint, "dependency cycle through step %d", cycle)
	}
	return deps, nil
}

// findCycle runs Kahn's algorithm and returns a step left on a cycle, or 0.
func findCycle(steps []StepBlueprint, deps map[int][]int) int {
	indegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int, len(steps))
	for _, s := range steps {
		for _, d := range deps[s.Sequence] {
			indegree[s.Sequence]++
			dependents[d] = append(dependents[d], s.Sequence)
		}
	}

	queue := make([]int, 0, len(steps))
	for _, s := range steps {
		if indegree[s.Sequence] == 0 {
			queue = append(queue, s.Sequence)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited == len(steps) {
		return 0
	}
	for _, s := range steps {
		if indegree[s.Sequence] > 0 {
			return s.Sequence
		}
	}
	return 0
}
