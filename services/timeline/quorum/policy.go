// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quorum

import (
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum/policies"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is the core admission rule of a policy.
type Rule string

const (
	RuleAlways    Rule = "always"
	RuleMajority  Rule = "majority"
	RuleUnanimous Rule = "unanimous"
)

// UnmarshalYAML rejects unknown rules at load time.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Rule(s) {
	case RuleAlways, RuleMajority, RuleUnanimous:
		*r = Rule(s)
		return nil
	default:
		return fmt.Errorf("invalid rule %q at line %d", s, value.Line)
	}
}

// Policy is one row of the policy table.
type Policy struct {
	Class       Class         `yaml:"class"`
	Rule        Rule          `yaml:"rule"`
	DenyStates  []string      `yaml:"deny_states"`
	DeferStates []string      `yaml:"defer_states"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	Guard       string        `yaml:"guard"`
	Description string        `yaml:"description"`

	denyIn  map[partition.State]bool
	deferIn map[partition.State]bool
	guard   cel.Program
}

// PolicyFile is the YAML document layout.
type PolicyFile struct {
	Version  int      `yaml:"version"`
	Policies []Policy `yaml:"policies"`
}

// PolicySet is a compiled, validated policy table keyed by class.
type PolicySet struct {
	byClass map[Class]*Policy
}

// DefaultPolicies compiles the embedded table.
func DefaultPolicies() (*PolicySet, error) {
	return ParsePolicies(policies.Default)
}

// LoadPolicyFile compiles a table from disk.
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes, validates and compiles a policy table.
//
// # Description
//
// Every class must appear exactly once. State names are resolved and guard
// expressions are compiled against the guard environment; a guard that
// does not return bool is rejected.
func ParsePolicies(data []byte) (*PolicySet, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy file: %w", err)
	}
	if file.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version %d", file.Version)
	}

	env, err := guardEnv()
	if err != nil {
		return nil, fmt.Errorf("build guard environment: %w", err)
	}

	set := &PolicySet{byClass: make(map[Class]*Policy, len(file.Policies))}
	for i := range file.Policies {
		p := &file.Policies[i]
		if _, dup := set.byClass[p.Class]; dup {
			return nil, fmt.Errorf("duplicate policy for class %s", p.Class)
		}
		if p.Rule == "" {
			return nil, fmt.Errorf("policy for class %s has no rule", p.Class)
		}
		if p.denyIn, err = stateSet(p.DenyStates); err != nil {
			return nil, fmt.Errorf("class %s deny_states: %w", p.Class, err)
		}
		if p.deferIn, err = stateSet(p.DeferStates); err != nil {
			return nil, fmt.Errorf("class %s defer_states: %w", p.Class, err)
		}
		if p.Guard != "" {
			if p.guard, err = compileGuard(env, p.Guard); err != nil {
				return nil, fmt.Errorf("class %s guard: %w", p.Class, err)
			}
		}
		set.byClass[p.Class] = p
	}
	for _, c := range []Class{Individual, Collective, Destructive} {
		if _, ok := set.byClass[c]; !ok {
			return nil, fmt.Errorf("missing policy for class %s", c)
		}
	}
	return set, nil
}

// For returns the policy for class.
func (s *PolicySet) For(class Class) (*Policy, bool) {
	p, ok := s.byClass[class]
	return p, ok
}

func stateSet(names []string) (map[partition.State]bool, error) {
	out := make(map[partition.State]bool, len(names))
	for _, n := range names {
		st, err := partition.ParseState(n)
		if err != nil {
			return nil, err
		}
		out[st] = true
	}
	return out, nil
}

func guardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("class", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("group_size", cel.IntType),
		cel.Variable("reachable", cel.IntType),
		cel.Variable("required", cel.IntType),
		cel.Variable("degraded", cel.BoolType),
	)
}

func compileGuard(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("guard must evaluate to bool, got %s", ast.OutputType())
	}
	return env.Program(ast)
}

// guardInput is the activation passed to a guard.
type guardInput struct {
	class     Class
	subject   string
	status    partition.State
	groupSize int
	reachable int
	required  int
	degraded  bool
}

func (p *Policy) evalGuard(in guardInput) (bool, error) {
	if p.guard == nil {
		return true, nil
	}
	out, _, err := p.guard.Eval(map[string]any{
		"class":      in.class.String(),
		"subject":    in.subject,
		"status":     in.status.String(),
		"group_size": int64(in.groupSize),
		"reachable":  int64(in.reachable),
		"required":   int64(in.required),
		"degraded":   in.degraded,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("guard returned %T", out.Value())
	}
	return ok, nil
}
