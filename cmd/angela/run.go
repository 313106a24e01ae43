package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/diagram"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/schedule"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/streaming"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/mcp"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

func runPlan(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "resolve and gate steps without side effects")
	showEvents := fs.Bool("events", false, "print progress events while the plan runs")
	var vars varFlags
	fs.Var(&vars, "var", "initial variable as name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	plan := mustLoadPlan(fs.Arg(0))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := mustBuildApp(ctx)
	defer a.Close()

	result := a.validator.Validate(plan)
	if !result.Valid() {
		printJSON(result)
		os.Exit(1)
	}

	if *showEvents {
		events, cancel, err := a.hub.Subscribe(ctx, streaming.EventFilter{PlanID: plan.ID})
		if err == nil {
			defer cancel()
			go printEvents(events)
		}
	}

	summary, err := a.engine.Execute(ctx, plan, engine.Options{
		DryRun:           *dryRun,
		InitialVariables: vars.values,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if _, err := a.store.RecordRun(ctx, summary, *dryRun, summary.TransactionID); err != nil {
		a.logger.Warn("failed to record run", "error", err)
	}

	printJSON(summary)
	if !summary.Success {
		os.Exit(1)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	raw := mustReadDocument(fs.Arg(0))
	ctx := context.Background()

	a := mustBuildApp(ctx)
	defer a.Close()

	result := a.validator.ValidateDocument(raw)
	printJSON(result)
	if !result.Valid() {
		os.Exit(1)
	}
}

func runRender(args []string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	plan := mustLoadPlan(fs.Arg(0))
	fmt.Println(diagram.RenderMermaid(plan, nil))
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	a := mustBuildApp(ctx)
	defer a.Close()

	runs, err := a.store.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJSON(runs)
}

func runSecret(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: usage: angela secret <set|get|delete|list> [key] [value]")
		os.Exit(1)
	}

	ctx := context.Background()
	a := mustBuildApp(ctx)
	defer a.Close()

	if a.vault == nil {
		fmt.Fprintln(os.Stderr, "Error: no vault key; set ANGELA_VAULT_KEY")
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "set":
		if len(args) < 3 {
			err = fmt.Errorf("usage: angela secret set <key> <value>")
			break
		}
		err = a.vault.Store(ctx, args[1], []byte(args[2]))
	case "get":
		if len(args) < 2 {
			err = fmt.Errorf("usage: angela secret get <key>")
			break
		}
		var val []byte
		if val, err = a.vault.Resolve(ctx, args[1]); err == nil {
			fmt.Println(string(val))
		}
	case "delete":
		if len(args) < 2 {
			err = fmt.Errorf("usage: angela secret delete <key>")
			break
		}
		err = a.vault.Delete(ctx, args[1])
	case "list":
		var keys []string
		if keys, err = a.vault.List(ctx); err == nil {
			for _, k := range keys {
				fmt.Println(k)
			}
		}
	default:
		err = fmt.Errorf("unknown secret command %q", args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSchedule(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: usage: angela schedule <add|list|rm> ...")
		os.Exit(1)
	}

	ctx := context.Background()
	a := mustBuildApp(ctx)
	defer a.Close()

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
		name := fs.String("name", "", "schedule name")
		cronExpr := fs.String("cron", "", "five-field cron expression")
		if err := fs.Parse(args[1:]); err != nil {
			os.Exit(1)
		}
		if *name == "" || *cronExpr == "" {
			fmt.Fprintln(os.Stderr, "Error: usage: angela schedule add -name <name> -cron <expr> <plan.json>")
			os.Exit(1)
		}
		if err := schedule.ValidateCron(*cronExpr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		raw := mustReadDocument(fs.Arg(0))
		result := a.validator.ValidateDocument(raw)
		if !result.Valid() {
			printJSON(result)
			os.Exit(1)
		}
		sp := &history.ScheduledPlan{
			Name:         *name,
			CronExpr:     *cronExpr,
			PlanDocument: string(raw),
			Enabled:      true,
		}
		if err := a.store.CreateScheduledPlan(ctx, sp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printJSON(sp)

	case "list":
		plans, err := a.store.ListScheduledPlans(ctx, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printJSON(plans)

	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: usage: angela schedule rm <id>")
			os.Exit(1)
		}
		if err := a.store.DeleteScheduledPlan(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown schedule command %q\n", args[0])
		os.Exit(1)
	}
}

func runMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := mustBuildApp(ctx)
	defer a.Close()

	if a.cfg.Scheduler {
		if err := a.scheduler.Start(ctx); err != nil {
			a.logger.Warn("scheduler failed to start", "error", err)
		} else {
			defer a.scheduler.Stop()
		}
	}

	srv := mcp.NewAngelaServer(mcp.ServerDeps{
		Engine:    a.engine,
		Validator: a.validator,
		History:   a.store,
		Logger:    a.logger,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mustBuildApp(ctx context.Context) *app {
	a, err := buildApp(ctx, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

// mustReadDocument reads a plan document from a file path, or stdin when the
// path is "-" or absent.
func mustReadDocument(path string) []byte {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return raw
}

func mustLoadPlan(path string) *schema.Plan {
	plan, err := schema.ParsePlan(mustReadDocument(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return plan
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printEvents(events <-chan streaming.ProgressEvent) {
	for ev := range events {
		line := ev.EventType
		if ev.StepID != "" {
			line += " " + ev.StepID
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

// varFlags collects repeated -var name=value flags.
type varFlags struct {
	values map[string]any
}

func (f *varFlags) String() string {
	if f == nil || len(f.values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.values))
	for k, v := range f.values {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (f *varFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	// JSON values (numbers, bools, arrays) pass through typed.
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		f.values[name] = parsed
	} else {
		f.values[name] = value
	}
	return nil
}
