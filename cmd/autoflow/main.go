package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inovacode/autoflow"
	"github.com/inovacode/autoflow/script"
)

// CLI configuration
type Config struct {
	WorkflowFile string
	Inputs       map[string]any
	Timeout      time.Duration
	Serve        string
	RedisAddr    string
	PostgresDSN  string
	LogLevel     string
	LogJSON      bool
	Verbose      bool
	JSON         bool
	ShowLogs     bool
}

func main() {
	config := parseFlags()

	if config.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", config.WorkflowFile)
		os.Exit(1)
	}

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	def, err := autoflow.LoadDefinitionFile(config.WorkflowFile)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	color.Cyan("Workflow: %s (%s)", def.Name, def.ID)

	engine, metricsReg, err := buildEngine(config)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Stop()

	waiter := newCompletionWaiter()
	engine.Callbacks().Add(waiter)

	if err := engine.RegisterWorkflow(def); err != nil {
		color.Red("Workflow registration failed:")
		for _, line := range strings.Split(err.Error(), "; ") {
			color.Red("  - %s", line)
		}
		os.Exit(1)
	}

	ctx := context.Background()
	engine.Start(ctx)

	if config.Serve != "" {
		serve(engine, metricsReg, config.Serve)
		return
	}

	color.Green("Triggering workflow %s...", def.ID)
	if err := engine.TriggerManual(def.ID, config.Inputs, "cli"); err != nil {
		log.Fatalf("Failed to trigger workflow: %v", err)
	}

	record, err := waiter.wait(config.Timeout)
	if err != nil {
		log.Fatalf("Execution did not finish: %v", err)
	}
	record, err = engine.GetExecution(record.ID)
	if err != nil {
		log.Fatalf("Failed to load execution record: %v", err)
	}
	showResults(engine, record, config)
	if record.Status != autoflow.StatusCompleted {
		os.Exit(1)
	}
}

func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildEngine(config *Config) (*autoflow.Engine, *prometheus.Registry, error) {
	logger := autoflow.NewLoggerWith(autoflow.LoggerOptions{
		Level: parseLogLevel(config.LogLevel),
		JSON:  config.LogJSON,
	})
	metricsReg := prometheus.NewRegistry()
	opts := autoflow.Options{
		Executors:         autoflow.NewExecutorRegistry(),
		Logger:            logger,
		MetricsRegisterer: metricsReg,
	}
	if config.RedisAddr != "" {
		queue, err := autoflow.NewRedisQueue(context.Background(), autoflow.RedisQueueOptions{
			Addr:   config.RedisAddr,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis queue: %w", err)
		}
		opts.Queue = queue
	}
	if config.PostgresDSN != "" {
		history, err := autoflow.NewPostgresHistoryStore(context.Background(), config.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres history: %w", err)
		}
		opts.History = history
	}

	compiler := script.NewRisorEngine(nil)
	opts.ScriptCompiler = compiler
	autoflow.RegisterBuiltinExecutors(opts.Executors, compiler)

	engine, err := autoflow.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return engine, metricsReg, nil
}

func serve(engine *autoflow.Engine, metricsReg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	router, ok := engine.Router().(*autoflow.MuxRouter)
	if ok {
		mux.Handle("/hooks/", http.StripPrefix("/hooks", router))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	color.Green("Serving webhooks on %s (routes under /hooks, metrics on /metrics)", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func showResults(engine *autoflow.Engine, record *autoflow.ExecutionRecord, config *Config) {
	if config.JSON {
		payload, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal results: %v", err)
		}
		fmt.Println(string(payload))
		return
	}

	fmt.Println()
	switch record.Status {
	case autoflow.StatusCompleted:
		color.Green("Execution %s completed in %v", record.ID, record.Duration().Round(time.Millisecond))
	case autoflow.StatusCancelled:
		color.Yellow("Execution %s was cancelled", record.ID)
	default:
		color.Red("Execution %s %s", record.ID, record.Status)
		if record.Error != nil {
			color.Red("  %s", record.Error.Error())
		}
	}

	color.Cyan("Nodes executed: %d", record.Metrics.NodesExecuted)
	for _, nodeID := range record.CompletedNodes {
		color.White("  %-20s %v", nodeID, record.Metrics.NodeDurations[nodeID].Round(time.Microsecond))
	}

	if config.ShowLogs && len(record.Logs) > 0 {
		fmt.Println()
		color.Cyan("Logs:")
		for _, entry := range record.Logs {
			color.White("  [%s] %s: %s",
				entry.Timestamp.Format(time.TimeOnly), entry.NodeID, entry.Message)
		}
	}

	if config.Verbose {
		snapshot := engine.GetMetrics()
		fmt.Println()
		color.Cyan("Engine metrics:")
		color.White("  total executions: %d", snapshot.TotalExecutions)
		color.White("  average duration: %v", snapshot.AverageDuration.Round(time.Millisecond))
		color.White("  error rate:       %.2f", snapshot.ErrorRate)
	}
}

// completionWaiter resolves once the first execution finishes.
type completionWaiter struct {
	autoflow.BaseExecutionCallbacks
	done chan *autoflow.ExecutionRecord
}

func newCompletionWaiter() *completionWaiter {
	return &completionWaiter{done: make(chan *autoflow.ExecutionRecord, 1)}
}

func (w *completionWaiter) AfterExecution(ctx context.Context, event *autoflow.ExecutionEvent) {
	select {
	case w.done <- &autoflow.ExecutionRecord{ID: event.ExecutionID, Status: event.Status}:
	default:
	}
}

func (w *completionWaiter) wait(timeout time.Duration) (*autoflow.ExecutionRecord, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	select {
	case record := <-w.done:
		return record, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out after %v", timeout)
	}
}

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func parseFlags() *Config {
	config := &Config{Inputs: map[string]any{}, ShowLogs: true}

	flag.StringVar(&config.WorkflowFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.WorkflowFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Input parameter in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Input parameter in format key=value (shorthand)")

	flag.DurationVar(&config.Timeout, "timeout", time.Minute, "How long to wait for the execution to finish")
	flag.DurationVar(&config.Timeout, "t", time.Minute, "How long to wait for the execution to finish (shorthand)")

	flag.StringVar(&config.Serve, "serve", "", "Serve webhook triggers and metrics on this address instead of firing the manual trigger")
	flag.StringVar(&config.RedisAddr, "redis", "", "Use the durable Redis queue at this address")
	flag.StringVar(&config.PostgresDSN, "postgres", "", "Persist execution history to this Postgres DSN")

	flag.StringVar(&config.LogLevel, "log-level", "info", "Engine log level (debug, info, warn, error)")
	flag.BoolVar(&config.LogJSON, "log-json", false, "Write engine logs as JSON")

	flag.BoolVar(&config.Verbose, "verbose", false, "Show engine metrics after execution")
	flag.BoolVar(&config.Verbose, "v", false, "Show engine metrics after execution (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output the execution record as JSON")
	flag.BoolVar(&config.ShowLogs, "logs", true, "Show execution logs")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `autoflow - run YAML-defined workflows

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Run a workflow once via its manual trigger
  %s -file example.yaml -input name=Ada

  # Serve webhook triggers and prometheus metrics
  %s -file workflow.yaml -serve :8080

  # Durable queue and persistent history
  %s -file workflow.yaml -redis localhost:6379 -postgres "postgres://localhost/autoflow?sslmode=disable"

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Built-in node types:
  start   - Entry point, passes through
  set     - Merge values into the execution data
  print   - Print a message to the console
  wait    - Wait for a duration
  script  - Evaluate a Risor expression against the execution data
  fail    - Intentionally fail with a message

Input Format:
  Use -input key=value for each input parameter.
  Values are parsed as JSON if possible, otherwise as strings.
`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		config.Inputs[key] = parsed
	}
	return config
}
