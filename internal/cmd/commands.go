// Package cmd is the CLI entrypoint: parse the subcommand, build a
// *cli.CLI from the Commands factory map, and run it.
package cmd

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	serveCmd "github.com/moovcs/vcsd/internal/cmd/commands/serve"
	versionCmd "github.com/moovcs/vcsd/internal/cmd/commands/version"
	"github.com/moovcs/vcsd/internal/config"
	"github.com/moovcs/vcsd/internal/version"
)

// Commands is the subcommand registry `cli.CLI` dispatches into. It is
// rebuilt per Main invocation (via initCommands) so each subcommand gets
// a logger and config scoped to that run, rather than a package-level
// singleton.
var Commands map[string]cli.CommandFactory

// Main runs the CLI with the given arguments and returns the exit code.
func Main(args []string) int {
	cliName := args[0]

	log := hclog.New(&hclog.LoggerOptions{
		Name: cliName,
	})

	if len(args) == 2 &&
		(args[1] == "-version" ||
			args[1] == "-v") {
		args = []string{cliName, "version"}
	}

	// If no subcommand is provided, default to 'serve'.
	if len(args) == 1 {
		args = append(args, "serve")
	}

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	initCommands(log, ui)

	c := &cli.CLI{
		Name:     cliName,
		Args:     args[1:],
		Version:  version.String(),
		Commands: Commands,
	}

	exitCode, err := c.Run()
	if err != nil {
		panic(err)
	}

	return exitCode
}

func initCommands(log hclog.Logger, ui cli.Ui) {
	Commands = map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return &serveCmd.Command{
				Log: log.Named("serve"),
				Cfg: configFromEnv(),
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &versionCmd.Command{UI: ui}, nil
		},
	}
}

// configFromEnv reads VCSD_* environment variables into a config.Config.
// Flag/file-based configuration is the out-of-scope host-process
// boundary; this is the minimal loader needed to exercise that boundary
// at all.
func configFromEnv() config.Config {
	cfg := config.Config{
		Database: config.Database{
			Driver:   getenv("VCSD_DB_DRIVER", "sqlite"),
			Path:     getenv("VCSD_DB_PATH", "vcsd.db"),
			Host:     getenv("VCSD_DB_HOST", "localhost"),
			Port:     atoiOr(getenv("VCSD_DB_PORT", "5432"), 5432),
			User:     getenv("VCSD_DB_USER", "vcsd"),
			Password: os.Getenv("VCSD_DB_PASSWORD"),
			DBName:   getenv("VCSD_DB_NAME", "vcsd"),
		},
		BindAddr:      getenv("VCSD_BIND_ADDR", ":8442"),
		KeypairPath:   os.Getenv("VCSD_KEYPAIR_PATH"),
		WizardKey:     os.Getenv("VCSD_WIZARD_KEY"),
		GameName:      getenv("VCSD_GAME_NAME", "vcsd"),
		FlushInterval: atoiOr(os.Getenv("VCSD_FLUSH_INTERVAL_SECONDS"), 0),
		NotifyTopic:   os.Getenv("VCSD_NOTIFY_TOPIC"),
	}
	if brokers := os.Getenv("VCSD_NOTIFY_BROKERS"); brokers != "" {
		cfg.NotifyBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
