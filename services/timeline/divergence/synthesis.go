// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package divergence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SynthesisInput carries the three payloads of a divergence.
type SynthesisInput struct {
	EntityID   string
	EntityType string
	Ancestor   []byte
	Local      []byte
	Remote     []byte
}

// SynthesisFunc derives a merged payload from both branches.
type SynthesisFunc func(ctx context.Context, in SynthesisInput) ([]byte, error)

// Registry maps entity types to synthesis functions.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]SynthesisFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]SynthesisFunc)}
}

// Register installs fn for entityType, replacing any previous one.
func (r *Registry) Register(entityType string, fn SynthesisFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[entityType] = fn
}

// Lookup returns the function for entityType.
func (r *Registry) Lookup(entityType string) (SynthesisFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[entityType]
	return fn, ok
}

// RegisterExpression compiles an expr-lang expression and installs it as
// the synthesis function for entityType.
//
// # Description
//
// Payloads are decoded as JSON and bound to ancestor, local and remote.
// The helper merge(a, b, ...) shallow-merges maps left to right. The
// expression result is encoded back to JSON.
//
// # Example
//
//	reg.RegisterExpression("counter", `{"count": local.count + remote.count - ancestor.count}`)
//	reg.RegisterExpression("profile", `merge(ancestor, remote, local)`)
func (r *Registry) RegisterExpression(entityType, expression string) error {
	if expression == "" {
		return errors.New("expression must not be empty")
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Function("merge", mergeMaps),
	)
	if err != nil {
		return fmt.Errorf("compile synthesis expression for %s: %w", entityType, err)
	}
	r.Register(entityType, exprSynthesizer(program))
	return nil
}

func exprSynthesizer(program *vm.Program) SynthesisFunc {
	return func(ctx context.Context, in SynthesisInput) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env := map[string]any{}
		for name, raw := range map[string][]byte{"ancestor": in.Ancestor, "local": in.Local, "remote": in.Remote} {
			v, err := decodePayload(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", name, err)
			}
			env[name] = v
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("run synthesis expression: %w", err)
		}
		return json.Marshal(out)
	}
}

func decodePayload(raw []byte) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeMaps(params ...any) (any, error) {
	out := map[string]any{}
	for i, p := range params {
		if p == nil {
			continue
		}
		m, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge: argument %d is %T, want map", i, p)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}
