package autoflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/inovacode/autoflow/retry"
)

// variablePattern matches an input value that is exactly one {{dot.path}}
// placeholder; embeddedPattern finds placeholders inside a larger string.
var (
	variablePattern = regexp.MustCompile(`^\{\{\s*([^\s{}]+)\s*\}\}$`)
	embeddedPattern = regexp.MustCompile(`\{\{\s*([^\s{}]+)\s*\}\}`)
)

// WrapOptions configures the executor decorator.
type WrapOptions struct {
	Logger *slog.Logger

	// Retry, when set, retries the wrapped Execute on recoverable
	// errors. Intended for executors that call flaky externals.
	Retry *retry.Policy
}

// WrapExecutor decorates a NodeExecutor with the standard base behavior:
// config validation before dispatch, variable resolution of {{dot.path}}
// input values against the run's data bag, structured log appends on
// start, success and failure, and optional retry with backoff. The
// wrapped executor keeps the inner executor's name, so wrapping is
// transparent to the registry.
func WrapExecutor(executor NodeExecutor, opts WrapOptions) NodeExecutor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &wrappedExecutor{inner: executor, opts: opts}
}

type wrappedExecutor struct {
	inner NodeExecutor
	opts  WrapOptions
}

func (w *wrappedExecutor) Name() string {
	return w.inner.Name()
}

func (w *wrappedExecutor) ValidateConfig(config map[string]any) *ValidationResult {
	return w.inner.ValidateConfig(config)
}

func (w *wrappedExecutor) Execute(ctx context.Context, config map[string]any, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
	if result := w.inner.ValidateConfig(config); !result.Valid {
		return nil, NewValidationErrors(result.Errors)
	}

	resolved := ResolveVariables(inputs, ec.Data())
	ec.AppendLog("info", "", fmt.Sprintf("executing %s", w.inner.Name()), nil)

	var out *Result
	run := func(ctx context.Context) error {
		var err error
		out, err = w.inner.Execute(ctx, config, resolved, ec)
		return err
	}

	var err error
	if w.opts.Retry != nil {
		err = retry.Do(ctx, w.opts.Retry, run)
	} else {
		err = run(ctx)
	}

	if err != nil {
		ec.AppendLog("error", "", fmt.Sprintf("%s failed: %v", w.inner.Name(), err), nil)
		w.opts.Logger.Error("node executor failed", "executor", w.inner.Name(), "error", err)
		return nil, err
	}
	ec.AppendLog("info", "", fmt.Sprintf("%s succeeded", w.inner.Name()), nil)
	return out, nil
}

// ResolveVariables returns a copy of inputs with every value of the
// literal form {{dot.path}} replaced by the value found by walking data
// one key at a time. Nested maps and slices are resolved recursively. A
// missing intermediate key resolves to nil, not an error.
func ResolveVariables(inputs map[string]any, data map[string]any) map[string]any {
	resolved := make(map[string]any, len(inputs))
	for key, value := range inputs {
		resolved[key] = resolveValue(value, data)
	}
	return resolved
}

func resolveValue(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		// a value that is exactly one placeholder keeps its looked-up type
		if m := variablePattern.FindStringSubmatch(v); m != nil {
			result, _ := LookupPath(data, m[1])
			return result
		}
		return embeddedPattern.ReplaceAllStringFunc(v, func(match string) string {
			path := embeddedPattern.FindStringSubmatch(match)[1]
			result, ok := LookupPath(data, path)
			if !ok || result == nil {
				return ""
			}
			return fmt.Sprintf("%v", result)
		})
	case map[string]any:
		return ResolveVariables(v, data)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, data)
		}
		return out
	default:
		return v
	}
}

// LookupPath walks a dotted field path through nested maps, one key at a
// time. It returns the value and whether the full path was present.
func LookupPath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
