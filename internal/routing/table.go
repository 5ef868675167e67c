package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"payflow/internal/saga"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gopkg.in/yaml.v3"
)

// Wildcard matches any value in a rule field.
const Wildcard = "*"

// StepSpec declares one step of a target and the steps it must follow.
type StepSpec struct {
	Name  string   `yaml:"name"`
	After []string `yaml:"after"`
}

// TargetSpec is an execution target as written in configuration.
type TargetSpec struct {
	Name           string     `yaml:"name"`
	ClearingSystem string     `yaml:"clearing_system"`
	Steps          []StepSpec `yaml:"steps"`
}

// Rule maps payment attributes to an ordered list of target names.
// Empty or "*" fields match anything; zero amount bounds are open.
type Rule struct {
	Tenant         string   `yaml:"tenant"`
	PaymentType    string   `yaml:"payment_type"`
	ClearingSystem string   `yaml:"clearing_system"`
	Currency       string   `yaml:"currency"`
	MinAmount      int64    `yaml:"min_amount"`
	MaxAmount      int64    `yaml:"max_amount"`
	Priority       int      `yaml:"priority"`
	Targets        []string `yaml:"targets"`
}

// Config is the routing document.
type Config struct {
	Targets []TargetSpec `yaml:"targets"`
	Rules   []Rule       `yaml:"rules"`
}

// Table is a validated routing snapshot with linearized step plans.
type Table struct {
	targets map[string]saga.Target
	rules   []Rule
}

// ParseConfig decodes and compiles a YAML routing document.
func ParseConfig(data []byte) (*Table, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}
	return Compile(cfg)
}

// Compile validates cfg and linearizes every target's steps.
func Compile(cfg Config) (*Table, error) {
	table := &Table{targets: make(map[string]saga.Target, len(cfg.Targets))}

	for _, spec := range cfg.Targets {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("routing target without name")
		}
		if _, dup := table.targets[name]; dup {
			return nil, fmt.Errorf("duplicate routing target %q", name)
		}
		steps, err := linearize(spec.Steps)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", name, err)
		}
		table.targets[name] = saga.Target{Name: name, ClearingSystem: spec.ClearingSystem, Steps: steps}
	}

	for i, rule := range cfg.Rules {
		if len(rule.Targets) == 0 {
			return nil, fmt.Errorf("rule %d has no targets", i)
		}
		for _, name := range rule.Targets {
			if _, ok := table.targets[name]; !ok {
				return nil, fmt.Errorf("rule %d references unknown target %q", i, name)
			}
		}
		table.rules = append(table.rules, rule)
	}

	return table, nil
}

// Target returns a compiled target by name.
func (t *Table) Target(name string) (saga.Target, bool) {
	target, ok := t.targets[name]
	if !ok {
		return saga.Target{}, false
	}
	target.Steps = append([]string(nil), target.Steps...)
	return target, true
}

// linearize orders steps so every step follows its dependencies, keeping
// declaration order among independent steps.
func linearize(specs []StepSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, errors.New("no steps")
	}

	g := simple.NewDirectedGraph()
	ids := make(map[string]int64, len(specs))
	names := make(map[int64]string, len(specs))
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("step %d without name", i)
		}
		if _, dup := ids[name]; dup {
			return nil, fmt.Errorf("duplicate step %q", name)
		}
		id := int64(i)
		ids[name] = id
		names[id] = name
		g.AddNode(simple.Node(id))
	}
	for _, spec := range specs {
		to := ids[strings.TrimSpace(spec.Name)]
		for _, dep := range spec.After {
			from, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", spec.Name, dep)
			}
			if from == to {
				return nil, fmt.Errorf("step %q depends on itself", spec.Name)
			}
			g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
		}
	}

	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("step dependencies contain a cycle: %w", err)
	}

	plan := make([]string, 0, len(sorted))
	for _, n := range sorted {
		plan = append(plan, names[n.ID()])
	}
	return plan, nil
}
