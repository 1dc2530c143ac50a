package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/orchestrator"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <recipe>",
	Short: "Run a recipe",
	Long: `Load, validate and execute a recipe file.

Variables given with --var override the recipe's context. Values are read
as YAML scalars, so --var count=3 binds an integer and --var ok=true a
boolean. Progress is checkpointed; an interrupted run can be continued with
'recipes resume <session-id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runDry         bool
	runVars        []string
	runSessionID   string
	runAutoApprove bool
)

func init() {
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "validate and show the execution plan without running")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "context variable (format: name=value)")
	runCmd.Flags().StringVar(&runSessionID, "session-id", "", "session id (default: generated)")
	runCmd.Flags().BoolVarP(&runAutoApprove, "yes", "y", false, "approve every gated stage without asking")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	recipePath := resolvePath(dir, args[0])
	r, err := recipe.LoadFile(recipePath)
	if err != nil {
		return err
	}

	contextVars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	if runDry {
		return printPlan(cmd.OutOrStdout(), r)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := runSessionID
	if sessionID == "" {
		sessionID = session.NewID(time.Now())
	}

	return executeRun(cmd, a, &orchestrator.RunRequest{
		Recipe:      r,
		ContextVars: contextVars,
		ProjectPath: a.dir,
		RecipePath:  recipePath,
		SessionID:   sessionID,
	}, runAutoApprove)
}

// executeRun runs req under signal handling and the session lock, then
// prints the outcome.
func executeRun(cmd *cobra.Command, a *app, req *orchestrator.RunRequest, autoApprove bool) error {
	out := cmd.OutOrStdout()

	// Hold the per-session lock so two processes cannot drive one session.
	if ys, ok := a.store.(*session.YAMLStore); ok {
		lock, err := ys.AcquireLock(req.SessionID)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	exec, err := a.newExecutor(cmd, req.SessionID, autoApprove)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Running recipe %s (session %s)\n", req.Recipe.Name, req.SessionID)
	res, runErr := exec.Run(ctx, req)
	if res == nil {
		return runErr
	}

	printResult(out, req.Recipe, res)

	if runErr != nil && ctx.Err() != nil {
		fmt.Fprintf(out, "\nRun interrupted. Resume with: recipes resume %s\n", res.SessionID)
		return errors.RunInterrupted(res.SessionID, runErr)
	}
	if runErr != nil {
		fmt.Fprintf(out, "\nResume with: recipes resume %s\n", res.SessionID)
	}
	return runErr
}

func printResult(out io.Writer, r *recipe.Recipe, res *orchestrator.RunResult) {
	fmt.Fprintf(out, "\nRecipe %s: %s\n", r.Name, res.Status)
	if !verbose && res.Status != session.StatusFailed {
		return
	}
	fmt.Fprintln(out, "\nStep results:")
	for _, step := range r.AllSteps() {
		status, ok := res.StepStatuses[step.ID]
		if !ok {
			status = session.StepSkipped
		}
		fmt.Fprintf(out, "  %s: %s\n", step.ID, status)
	}
	if verbose && len(res.Context) > 0 {
		fmt.Fprintln(out, "\nContext:")
		data, err := yaml.Marshal(res.Context)
		if err == nil {
			for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
	}
}

// printPlan shows stages and steps in execution order.
func printPlan(out io.Writer, r *recipe.Recipe) error {
	if problems := r.Validate(); len(problems) > 0 {
		return validationError(r, problems)
	}

	fmt.Fprintf(out, "Would run recipe %s (%s) with %d steps\n", r.Name, r.Version, len(r.AllSteps()))
	for _, stage := range r.StageList() {
		if r.IsStaged {
			fmt.Fprintf(out, "\nStage %s:\n", stage.Name)
		}
		ordered, err := recipe.ExecutionOrder(stage.Steps)
		if err != nil {
			return err
		}
		for _, step := range ordered {
			fmt.Fprintf(out, "  %s [%s]\n", step.ID, step.Kind())
			if len(step.DependsOn) > 0 {
				fmt.Fprintf(out, "    depends_on: %v\n", step.DependsOn)
			}
			if step.Condition != "" {
				fmt.Fprintf(out, "    condition: %s\n", step.Condition)
			}
		}
		if stage.Approval != nil && stage.Approval.Required {
			fmt.Fprintln(out, "  (approval required)")
		}
	}
	return nil
}

// parseVars parses name=value pairs. Values are decoded as YAML scalars,
// falling back to the raw text.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid variable format: %s (expected name=value)", pair)
		}
		vars[strings.TrimSpace(name)] = scalar(value)
	}
	return vars, nil
}

func scalar(text string) any {
	var v any
	if err := yaml.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	switch v.(type) {
	case nil, map[string]any, []any:
		// Only non-null scalars are decoded.
		return text
	}
	return v
}
