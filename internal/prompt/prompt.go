// Package prompt asks the user yes/no questions on a terminal.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Config holds configuration for prompting
type Config struct {
	// Every question is answered yes without asking
	NonInteractive bool
	In             io.Reader
	Out            io.Writer
}

// Confirm asks the user to confirm an action. Anything but y or yes,
// including end of input, declines.
func Confirm(prompt string, cfg Config) bool {
	if cfg.NonInteractive {
		return true
	}

	fmt.Fprintf(cfg.Out, "%s (y/n): ", prompt)
	response, err := bufio.NewReader(cfg.In).ReadString('\n')
	if err != nil && response == "" {
		fmt.Fprintln(cfg.Out)
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
