package schedule

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ordserv/internal/hook"
)

// Rule releases every invocation in Release once After has been recorded.
type Rule struct {
	After   hook.Invocation   `yaml:"after" json:"after"`
	Release []hook.Invocation `yaml:"release" json:"release"`
}

// Schedule is a named set of precedence rules.
type Schedule struct {
	Name  string `yaml:"name" json:"name"`
	Rules []Rule `yaml:"rules" json:"rules"`

	// predecessors maps an invocation to every invocation that must be
	// recorded before it may proceed. Built by compile.
	predecessors map[hook.Invocation][]hook.Invocation
}

// ErrCyclic is returned by Load and Parse for schedules that can never complete.
var ErrCyclic = errors.New("schedule contains a cycle")

// CycleError lists the cycles that make a schedule unusable.
// It matches ErrCyclic with errors.Is.
type CycleError struct {
	Cycles []Cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclic, e.Cycles[0].Message)
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCyclic
}

// New builds a schedule from rules constructed in code.
func New(name string, rules ...Rule) (*Schedule, error) {
	s := &Schedule{Name: name, Rules: rules}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a YAML schedule and rejects cyclic ones.
func Parse(data []byte) (*Schedule, error) {
	var s Schedule
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a YAML schedule from path.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		base := filepath.Base(path)
		s.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return s, nil
}

func (s *Schedule) compile() error {
	preds := make(map[hook.Invocation][]hook.Invocation)
	for i, rule := range s.Rules {
		if err := rule.After.Validate(); err != nil {
			return fmt.Errorf("rule %d: after: %w", i, err)
		}
		if len(rule.Release) == 0 {
			return fmt.Errorf("rule %d (%s): empty release list", i, rule.After)
		}
		for _, target := range rule.Release {
			if err := target.Validate(); err != nil {
				return fmt.Errorf("rule %d (%s): release: %w", i, rule.After, err)
			}
			if !contains(preds[target], rule.After) {
				preds[target] = append(preds[target], rule.After)
			}
		}
	}
	s.predecessors = preds

	if cycles := Analyze(s); len(cycles) > 0 {
		return &CycleError{Cycles: cycles}
	}
	return nil
}

// Predecessors returns the invocations that must be recorded before inv may
// proceed. The result is nil for invocations the schedule does not constrain.
func (s *Schedule) Predecessors(inv hook.Invocation) []hook.Invocation {
	if s == nil {
		return nil
	}
	return s.predecessors[inv]
}

// Constrains reports whether a Do on inv can be withheld.
func (s *Schedule) Constrains(inv hook.Invocation) bool {
	return len(s.Predecessors(inv)) > 0
}

// Invocations returns every invocation the schedule mentions, sorted.
func (s *Schedule) Invocations() []hook.Invocation {
	seen := make(map[hook.Invocation]struct{})
	for _, rule := range s.Rules {
		seen[rule.After] = struct{}{}
		for _, target := range rule.Release {
			seen[target] = struct{}{}
		}
	}
	out := make([]hook.Invocation, 0, len(seen))
	for inv := range seen {
		out = append(out, inv)
	}
	sortInvocations(out)
	return out
}

func contains(list []hook.Invocation, inv hook.Invocation) bool {
	for _, x := range list {
		if x == inv {
			return true
		}
	}
	return false
}

func sortInvocations(list []hook.Invocation) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Hook != b.Hook {
			return a.Hook < b.Hook
		}
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Seq < b.Seq
	})
}
