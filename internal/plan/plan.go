// Package plan runs named build steps in dependency order.
package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/h3ow3d/infragraph/internal/cfgerr"
	"github.com/h3ow3d/infragraph/internal/graph"
)

// ErrDuplicateStep is returned when two steps share a name.
var ErrDuplicateStep = errors.New("duplicate step")

const opPlan = "build plan"

// Step is one unit of the build. Run is called once all steps named in
// After have completed.
type Step struct {
	Name  string
	After []string
	Run   func(ctx context.Context) error
}

// Plan is an ordered set of steps.
type Plan struct {
	steps []Step
	index map[string]int
}

// New returns an empty plan.
func New() *Plan {
	return &Plan{index: make(map[string]int)}
}

// Add appends s to the plan. Predecessors may be added later; Order checks
// them.
func (p *Plan) Add(s Step) error {
	if s.Name == "" {
		return cfgerr.New(opPlan, errors.New("step without name"))
	}
	if _, ok := p.index[s.Name]; ok {
		return cfgerr.Newf(opPlan, ErrDuplicateStep, "%s", s.Name)
	}
	p.index[s.Name] = len(p.steps)
	p.steps = append(p.steps, s)
	return nil
}

// Order returns the step names in execution order. Steps without a mutual
// dependency keep the order they were added in.
func (p *Plan) Order() ([]string, error) {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return graph.TopoSort(names, func(name string) []string {
		return p.steps[p.index[name]].After
	})
}

// Run executes every step in Order and stops at the first error.
func (p *Plan) Run(ctx context.Context) error {
	order, err := p.Order()
	if err != nil {
		return err
	}
	log := clog.FromContext(ctx)
	for _, name := range order {
		s := p.steps[p.index[name]]
		if s.Run == nil {
			continue
		}
		log.Debug("running step", "step", name)
		if err := s.Run(ctx); err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
	}
	return nil
}
