package autoflow

import (
	"context"
	"fmt"
	"time"

	"github.com/inovacode/autoflow/script"
)

// RegisterBuiltinExecutors installs the small set of node types the demo
// CLI and examples use: start, set, print, wait, script, and fail.
// compiler may be nil to disable the script node.
func RegisterBuiltinExecutors(registry *ExecutorRegistry, compiler script.Compiler) {
	registry.Register("start", NewExecutorFunc("start",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			return &Result{Success: true}, nil
		}))

	registry.Register("set", NewExecutorFunc("set",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			values, _ := inputs["values"].(map[string]any)
			return &Result{Success: true, Data: values}, nil
		}))

	registry.Register("print", NewExecutorFunc("print",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			message := fmt.Sprintf("%v", inputs["message"])
			fmt.Println(message)
			return &Result{Success: true, Logs: []string{message}}, nil
		}).WithValidator(func(config map[string]any) *ValidationResult {
		if _, ok := config["message"]; !ok {
			return &ValidationResult{Errors: []string{"print: message is required"}}
		}
		return &ValidationResult{Valid: true}
	}))

	registry.Register("wait", NewExecutorFunc("wait",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			duration := time.Second
			if s, ok := inputs["duration"].(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					duration = d
				}
			}
			select {
			case <-time.After(duration):
				return &Result{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	if compiler != nil {
		registry.Register("script", NewExecutorFunc("script",
			func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
				code, _ := inputs["code"].(string)
				compiled, err := compiler.Compile(ctx, code)
				if err != nil {
					return nil, NewNodeError("", fmt.Sprintf("script compile failed: %v", err), false)
				}
				value, err := compiled.Evaluate(ctx, ec.Data())
				if err != nil {
					return nil, err
				}
				output, _ := config["output"].(string)
				if output == "" {
					output = "result"
				}
				return &Result{Success: true, Data: map[string]any{output: value.Value()}}, nil
			}).WithValidator(func(config map[string]any) *ValidationResult {
			if code, _ := config["code"].(string); code == "" {
				return &ValidationResult{Errors: []string{"script: code is required"}}
			}
			return &ValidationResult{Valid: true}
		}))
	}

	registry.Register("fail", NewExecutorFunc("fail",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			message, _ := inputs["message"].(string)
			if message == "" {
				message = "intentional failure"
			}
			retryable, _ := inputs["retryable"].(bool)
			return nil, NewNodeError("", message, retryable)
		}))
}
