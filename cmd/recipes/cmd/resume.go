package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/recipe-engine/internal/orchestrator"
	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/session"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted or failed run",
	Long: `Continue a run from its last checkpoint.

Steps the session recorded as succeeded or skipped are not run again.
Failed steps run again with the checkpointed context. Variables given with
--var override checkpointed values.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeVars        []string
	resumeRecipe      string
	resumeAutoApprove bool
)

func init() {
	resumeCmd.Flags().StringArrayVar(&resumeVars, "var", nil, "context variable override (format: name=value)")
	resumeCmd.Flags().StringVar(&resumeRecipe, "recipe", "", "recipe file (default: the path recorded in the session)")
	resumeCmd.Flags().BoolVarP(&resumeAutoApprove, "yes", "y", false, "approve every gated stage without asking")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.store.Load(commandContext(cmd), sessionID, a.dir)
	if err != nil {
		return err
	}
	if snap.Status == session.StatusCompleted {
		return fmt.Errorf("session %s already completed", sessionID)
	}

	recipePath := snap.RecipePath
	if resumeRecipe != "" {
		recipePath = resolvePath(a.dir, resumeRecipe)
	}
	if recipePath == "" {
		return fmt.Errorf("session %s has no recipe path; pass --recipe", sessionID)
	}
	r, err := recipe.LoadFile(recipePath)
	if err != nil {
		return err
	}
	if r.Name != snap.Recipe {
		a.logger.Warn("recipe name differs from session", "session_recipe", snap.Recipe, "recipe", r.Name)
	}

	overrides, err := parseVars(resumeVars)
	if err != nil {
		return err
	}

	done := len(snap.CompletedSteps())
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming session %s (%d of %d steps recorded)\n",
		sessionID, done, len(r.AllSteps()))

	return executeRun(cmd, a, &orchestrator.RunRequest{
		Recipe:      r,
		ContextVars: overrides,
		ProjectPath: a.dir,
		RecipePath:  recipePath,
		SessionID:   sessionID,
		Resume:      snap,
	}, resumeAutoApprove)
}
