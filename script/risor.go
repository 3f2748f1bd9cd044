package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles predicate scripts with the Risor interpreter. A
// fixed set of globals is available to every script in addition to the
// per-evaluation globals.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates a Risor-backed compiler with the given globals.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	if globals == nil {
		globals = map[string]any{}
	}
	return &RisorEngine{globals: globals}
}

// Compile checks the script's syntax up front. Evaluation compiles
// again with the merged globals, since the names available to a script
// are only known per evaluation.
func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	if _, err := parser.Parse(ctx, code); err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, source: code}, nil
}

// RisorScript is a syntax-checked Risor predicate.
type RisorScript struct {
	engine *RisorEngine
	source string
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.Eval(ctx, s.source, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorValue wraps a Risor object as a script Value.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return convertToGo(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	default:
		return v.obj.Inspect()
	}
}

func (v *RisorValue) IsTruthy() bool {
	switch o := v.obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		val := o.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	default:
		return v.obj.IsTruthy()
	}
}

// convertToGo converts a Risor object to a plain Go value.
func convertToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = convertToGo(value)
		}
		return result
	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}
