package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect configured provider models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the models each configured provider offers",
	Args:  cobra.NoArgs,
	RunE:  runModelsList,
}

var modelsResolveCmd = &cobra.Command{
	Use:   "resolve <model-or-pattern>",
	Short: "Show which model a name or glob pattern resolves to",
	Long: `Resolve a model name or glob pattern (for example "claude-sonnet-*")
against a provider's configured models. The lexicographically last match
is treated as the most recent. Without a match the input is used as-is.`,
	Args: cobra.ExactArgs(1),
	RunE: runModelsResolve,
}

var modelsProvider string

func init() {
	modelsResolveCmd.Flags().StringVar(&modelsProvider, "provider", "", "provider name (default: agent.default_provider)")
	modelsCmd.AddCommand(modelsListCmd, modelsResolveCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(a.cfg.Providers) == 0 {
		fmt.Fprintln(out, "No providers configured.")
		fmt.Fprintln(out, "\nAdd [providers.<name>] models = [...] to .recipes/config.toml.")
		return nil
	}

	names := make([]string, 0, len(a.cfg.Providers))
	for name := range a.cfg.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		marker := ""
		if name == a.cfg.Agent.DefaultProvider {
			marker = " (default)"
		}
		fmt.Fprintf(out, "%s%s:\n", name, marker)
		for _, m := range a.cfg.Providers[name].Models {
			fmt.Fprintf(out, "  %s\n", m)
		}
	}
	return nil
}

func runModelsResolve(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	provider := modelsProvider
	if provider == "" {
		provider = a.cfg.Agent.DefaultProvider
	}

	res := a.modelResolver().Resolve(commandContext(cmd), args[0], provider)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Model)
	if verbose && res.Pattern != "" {
		fmt.Fprintf(out, "  provider:  %s\n", provider)
		fmt.Fprintf(out, "  available: %d\n", len(res.Available))
		if len(res.Matched) > 0 {
			fmt.Fprintf(out, "  matched:   %s\n", strings.Join(res.Matched, ", "))
		}
	}
	return nil
}
