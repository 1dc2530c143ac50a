package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meow-stack/recipe-engine/internal/recipe"
	"github.com/meow-stack/recipe-engine/internal/status"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage checkpointed sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's progress and context",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete sessions not updated recently",
	Long: `Delete sessions last updated more than --days days ago.

Defaults to [session] cleanup_days from the config. Zero disables cleanup.`,
	Args: cobra.NoArgs,
	RunE: runSessionsClean,
}

var (
	sessionsAll  bool
	sessionsDays int
	sessionsYAML bool
)

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsAll, "all", false, "include sessions of every project")
	sessionsShowCmd.Flags().BoolVar(&sessionsYAML, "yaml", false, "print the raw snapshot as YAML")
	sessionsCleanCmd.Flags().IntVar(&sessionsDays, "days", -1, "age in days (default: cleanup_days from config)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsCleanCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	project := a.dir
	if sessionsAll {
		project = ""
	}
	snaps, err := a.store.List(commandContext(cmd), project)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(snaps) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	summaries := make([]*status.SessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		summaries = append(summaries, status.NewSessionSummary(snap, nil))
	}
	fmt.Fprint(out, status.FormatSessionList(summaries, formatOptions(cmd, !verbose)))
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.store.Load(commandContext(cmd), args[0], a.dir)
	if err != nil {
		return err
	}
	if sessionsYAML {
		data, err := yaml.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	// The recipe supplies step order and pending steps when it still loads.
	var r *recipe.Recipe
	if snap.RecipePath != "" {
		if loaded, err := recipe.LoadFile(snap.RecipePath); err == nil {
			r = loaded
		} else {
			a.logger.Debug("session recipe unavailable", "path", snap.RecipePath, "error", err)
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatDetailedSession(status.NewSessionSummary(snap, r), formatOptions(cmd, false)))
	return nil
}

// formatOptions disables color unless output goes to the process stdout.
func formatOptions(cmd *cobra.Command, quiet bool) status.FormatOptions {
	return status.FormatOptions{
		NoColor: cmd.OutOrStdout() != io.Writer(os.Stdout) || os.Getenv("NO_COLOR") != "",
		Quiet:   quiet,
	}
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Delete(commandContext(cmd), args[0], a.dir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted session %s\n", args[0])
	return nil
}

func runSessionsClean(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	days := sessionsDays
	if days < 0 {
		days = a.cfg.Session.CleanupDays
	}
	out := cmd.OutOrStdout()
	if days == 0 {
		fmt.Fprintln(out, "Session cleanup is disabled (cleanup_days = 0).")
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := a.store.Cleanup(commandContext(cmd), cutoff)
	if err != nil {
		return fmt.Errorf("cleaning sessions: %w", err)
	}
	fmt.Fprintf(out, "✓ Removed %d sessions older than %d days\n", n, days)
	return nil
}
