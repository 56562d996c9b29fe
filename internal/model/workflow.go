package model

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage is one schedulable step of a workflow.
type Stage struct {
	Name        string            `yaml:"name" json:"name"`
	Type        JobType           `yaml:"type" json:"type"`
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Params      map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Required    *bool             `yaml:"required,omitempty" json:"required,omitempty"`
	MaxAttempts int               `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Priority    int               `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// IsRequired resolves the stage's failure policy against the configured default.
func (s Stage) IsRequired(def bool) bool {
	if s.Required == nil {
		return def
	}
	return *s.Required
}

// Workflow is a set of stages and their dependencies.
type Workflow struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name,omitempty" json:"name,omitempty"`
	Stages []Stage `yaml:"stages" json:"stages"`
}

// ParseWorkflow decodes a YAML (or JSON) workflow document and validates it.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrInvalidWorkflow, ErrValidation, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrInvalidWorkflow, ErrValidation, fmt.Sprintf(format, args...))
}

// Validate checks ids, stage types, dependency references and rejects cycles.
// Stage types are normalized in place.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return invalid("missing workflow id")
	}
	if len(w.Stages) == 0 {
		return invalid("workflow %s has no stages", w.ID)
	}
	seen := make(map[string]struct{}, len(w.Stages))
	for i := range w.Stages {
		st := &w.Stages[i]
		if strings.TrimSpace(st.Name) == "" {
			return invalid("stage %d has no name", i)
		}
		if _, dup := seen[st.Name]; dup {
			return invalid("duplicate stage %q", st.Name)
		}
		seen[st.Name] = struct{}{}
		t, err := ParseJobType(string(st.Type))
		if err != nil {
			return invalid("stage %q: unknown type %q", st.Name, st.Type)
		}
		st.Type = t
		if st.MaxAttempts < 0 {
			return invalid("stage %q: negative max_attempts", st.Name)
		}
	}
	for _, st := range w.Stages {
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				return invalid("stage %q depends on itself", st.Name)
			}
			if _, ok := seen[dep]; !ok {
				return invalid("stage %q depends on unknown stage %q", st.Name, dep)
			}
		}
	}
	if cyc := w.cycle(); len(cyc) > 0 {
		return invalid("dependency cycle between stages %s", strings.Join(cyc, ", "))
	}
	return nil
}

// cycle runs Kahn's algorithm and returns the stages left unsorted.
func (w *Workflow) cycle() []string {
	indeg := make(map[string]int, len(w.Stages))
	dependents := make(map[string][]string, len(w.Stages))
	for _, st := range w.Stages {
		indeg[st.Name] += 0
		for _, dep := range st.DependsOn {
			indeg[st.Name]++
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}
	var queue []string
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		delete(indeg, name)
		for _, next := range dependents[name] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	left := make([]string, 0, len(indeg))
	for name := range indeg {
		left = append(left, name)
	}
	sort.Strings(left)
	return left
}

// Stage looks a stage up by name.
func (w *Workflow) Stage(name string) (Stage, bool) {
	for _, st := range w.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// Ready returns, in declaration order, the stages that are not yet scheduled
// and whose dependencies are all satisfied.
func (w *Workflow) Ready(satisfied, scheduled map[string]bool) []Stage {
	var out []Stage
	for _, st := range w.Stages {
		if scheduled[st.Name] {
			continue
		}
		blocked := false
		for _, dep := range st.DependsOn {
			if !satisfied[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, st)
		}
	}
	return out
}
