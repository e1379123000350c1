// Package version implements the `vcsd version` subcommand.
package version

import (
	"fmt"

	"github.com/mitchellh/cli"
	"github.com/moovcs/vcsd/internal/version"
)

// Command prints the running binary's build version.
type Command struct {
	UI cli.Ui
}

func (c *Command) Synopsis() string { return "Print the vcsd version" }

func (c *Command) Help() string { return "Usage: vcsd version" }

func (c *Command) Run(args []string) int {
	c.UI.Output(fmt.Sprintf("vcsd %s", version.String()))
	return 0
}
