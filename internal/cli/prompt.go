// Package cli holds interactive terminal helpers for the recipes command.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirm writes a yes/no question to out and reads the answer from in.
// An empty answer selects the default.
func Confirm(in io.Reader, out io.Writer, prompt string, defaultYes bool) (bool, error) {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s ", prompt, suffix)

	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && (err != io.EOF || response == "") {
		return false, fmt.Errorf("reading response: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	if response == "" {
		return defaultYes, nil
	}
	return response == "y" || response == "yes", nil
}
