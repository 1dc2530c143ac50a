package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meow-stack/recipe-engine/internal/recipe"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose bool
	workDir string
)

var rootCmd = &cobra.Command{
	Use:   "recipes",
	Short: "Run declarative multi-step agent recipes",
	Long: `recipes executes YAML recipes: ordered bash and agent steps with
conditions, loops, retries, sub-recipes and approval-gated stages.

Runs are checkpointed to a session store so an interrupted run can be
resumed where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "project directory (default: current)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("recipes {{.Version}}\n")
}

// getWorkDir returns the effective project directory as an absolute path.
func getWorkDir() (string, error) {
	dir := workDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
	}
	return filepath.Abs(dir)
}

// resolvePath expands ~ and makes p absolute against the project directory.
func resolvePath(dir, p string) string {
	p = recipe.ExpandPath(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// commandContext returns the command's context, or Background when the
// command was invoked without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
