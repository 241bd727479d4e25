package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/opgraph/pkg/schema"
)

// modeHandoff marks edges that are only traversed through WorkflowContext.Transfer.
const modeHandoff schema.EdgeMode = "handoff"

// Predicate decides whether an edge fires for a payload. An error fails the run.
type Predicate func(ctx context.Context, payload any) (bool, error)

// When adapts a typed predicate. Payloads of another type never match.
func When[T any](fn func(T) bool) Predicate {
	return func(_ context.Context, payload any) (bool, error) {
		v, ok := payload.(T)
		return ok && fn(v), nil
	}
}

// WhenErr adapts a typed predicate whose evaluation can fail.
func WhenErr[T any](fn func(context.Context, T) (bool, error)) Predicate {
	return func(ctx context.Context, payload any) (bool, error) {
		v, ok := payload.(T)
		if !ok {
			return false, nil
		}
		return fn(ctx, v)
	}
}

// Case is one target of a switch or multi-select group.
type Case struct {
	Target string
	When   Predicate
}

// CaseOf builds a conditional case.
func CaseOf(target string, when Predicate) Case {
	return Case{Target: target, When: when}
}

// Default builds the unconditional trailing case of a switch group.
func Default(target string) Case {
	return Case{Target: target}
}

type edge struct {
	source string
	target string
	when   Predicate
}

type edgeGroup struct {
	mode  schema.EdgeMode
	edges []edge
}

// route returns the targets that fire for payload, in declaration order.
// When explicit targets are given, only edges towards them are considered.
func (g *edgeGroup) route(ctx context.Context, payload any, targets []string) (fired []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("edge predicate panicked: %v", r)
		}
	}()

	for _, e := range g.edges {
		if len(targets) > 0 && !slices.Contains(targets, e.target) {
			continue
		}
		if e.when == nil {
			if g.mode == schema.EdgeModeMultiSelect {
				continue
			}
		} else {
			ok, perr := e.when(ctx, payload)
			if perr != nil {
				return nil, fmt.Errorf("edge predicate failed: %s -> %s: %w", e.source, e.target, perr)
			}
			if !ok {
				continue
			}
		}
		fired = append(fired, e.target)
		if g.mode == schema.EdgeModeSwitch {
			return fired, nil
		}
	}
	return fired, nil
}
