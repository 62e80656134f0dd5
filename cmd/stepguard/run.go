package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/gateway/cli"
	"github.com/jkaninda/stepguard/internal/orchestrator"
)

// demoWorkflow exercises retry, compensation metadata and parameter
// validation with the builtin drill tools only.
const demoWorkflow = `
name: demo
description: builtin drill tools end to end
steps:
  - name: announce
    tool: echo
    parameters:
      message: starting demo
    compensation:
      tool: echo
      parameters:
        message: demo rolled back
  - name: warm-up
    tool: sleep
    parameters:
      duration_ms: 50
  - name: unreliable-dependency
    tool: flaky
    parameters:
      key: demo
      failures: 2
    max_retries: 3
    retry_delay_ms: 100
  - name: done
    tool: echo
    parameters:
      message: demo finished
`

var (
	runDemo    bool
	runAnswer  string
	runCaller  string
	runJSON    bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [workflow-file]",
	Short: "Execute one workflow in-process and print the outcome",
	Long: `Run a workflow definition (YAML or JSON) to completion in this process.
Gated steps are confirmed on the terminal unless --answer is given. Workflows
are kept in memory; audit records still go to the configured sinks.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if runDemo {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runDemo, "demo", false, "run the built-in demo workflow")
	runCmd.Flags().StringVar(&runAnswer, "answer", "prompt", "confirmation answer: prompt, yes or no")
	runCmd.Flags().StringVar(&runCaller, "caller", "", "caller identity recorded in the audit log (default $USER)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final workflow as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort waiting after this duration (0 = workflow timeout)")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var def orchestrator.Definition
	if runDemo {
		cfg.Tools.Builtin = true
		def, err = orchestrator.ParseDefinition([]byte(demoWorkflow), "yaml")
	} else {
		def, err = orchestrator.LoadDefinition(args[0])
	}
	if err != nil {
		return err
	}

	caller := runCaller
	if caller == "" {
		caller = goutils.Env("USER", "cli-user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger, sharedOptions{memoryStore: true})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	switch runAnswer {
	case "prompt":
		c.Gate.AddNotifier(cli.NewPrompter(c.Gate, os.Stdin, os.Stdout, caller, logger))
	case "yes", "no":
		c.Gate.AddNotifier(cli.Answer(c.Gate, runAnswer == "yes", caller))
	default:
		return fmt.Errorf("invalid --answer %q (use prompt, yes or no)", runAnswer)
	}

	wf, err := c.Engine.Submit(ctx, def, caller)
	if err != nil {
		return err
	}
	logger.Info("workflow submitted", slog.String("workflow_id", wf.ID), slog.String("name", wf.Name))

	waitCtx := ctx
	if runTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	final, err := c.Engine.Wait(waitCtx, wf.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = c.Engine.Cancel(context.Background(), wf.ID)
		}
		return fmt.Errorf("waiting for workflow %s: %w", wf.ID, err)
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
	} else {
		printWorkflow(final)
	}

	if final.Status != orchestrator.WorkflowCompleted {
		return fmt.Errorf("workflow %s ended %s", final.ID, final.Status)
	}
	return nil
}

func printWorkflow(wf *orchestrator.Workflow) {
	fmt.Printf("Workflow %s (%s): %s\n", wf.Name, wf.ID, wf.Status)
	for i, s := range wf.Steps {
		name := s.Name
		if name == "" {
			name = s.Tool
		}
		fmt.Printf("  %d. %-24s %-10s attempts=%d", i+1, name, s.Status, s.Attempts)
		if s.Confirmation != "" && s.Confirmation != "none" {
			fmt.Printf(" confirmation=%s", s.Confirmation)
		}
		fmt.Println()
		if s.Result != nil {
			if s.Result.Error != "" {
				fmt.Printf("     error: %s\n", s.Result.Error)
			} else if s.Result.Output != "" {
				fmt.Printf("     output: %s\n", s.Result.Output)
			}
		}
	}
	if wf.Error != "" {
		fmt.Printf("Error: %s\n", wf.Error)
	}
}
