package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/recipe"
)

var validateCmd = &cobra.Command{
	Use:   "validate <recipe>...",
	Short: "Validate recipes without running them",
	Long: `Validate one or more recipe files without executing them.

Checks:
- Document shape and field types
- Required fields and step kinds
- Unique step ids and dependency references
- Dependency cycles
- Reserved variable names`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	invalid := 0
	for _, arg := range args {
		path := resolvePath(dir, arg)
		r, err := recipe.LoadFile(path)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "✗ %s\n  %v\n", arg, err)
			continue
		}
		if problems := r.Validate(); len(problems) > 0 {
			invalid++
			fmt.Fprintf(out, "✗ %s\n", arg)
			for _, p := range problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			continue
		}
		fmt.Fprintf(out, "✓ %s (%s, %d steps)\n", arg, r.Name, len(r.AllSteps()))
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d recipes invalid", invalid, len(args))
	}
	return nil
}

func validationError(r *recipe.Recipe, problems []string) error {
	return errors.ValidationFailed(r.Name, problems)
}
