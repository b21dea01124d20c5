package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/hossein/mpsched/internal/config"
	"github.com/hossein/mpsched/internal/sim"
)

type Args struct {
	Scenario string `short:"s" long:"scenario" required:"true" description:"Scenario YAML file to replay"`
	Policy   string `short:"p" long:"policy" description:"Override the scenario's policy, e.g. rrtime or portsched"`
	Format   string `short:"f" long:"format" choice:"text" choice:"yaml" default:"text" description:"Output format"`
	LogLevel string `short:"l" long:"log-level" default:"warn" description:"debug, info, warn or error"`
}

func main() {
	var args Args
	parser := flags.NewParser(&args, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(args); err != nil {
		fmt.Fprintln(os.Stderr, "schedsim:", err)
		os.Exit(1)
	}
}

func run(args Args) error {
	lvl, err := config.ParseLogLevel(args.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	s, err := sim.LoadScenario(args.Scenario)
	if err != nil {
		return err
	}
	if args.Policy != "" {
		s.Policy = args.Policy
	}

	results, err := sim.Run(s, logger)
	if err != nil {
		return err
	}

	if args.Format == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(results)
	}
	return sim.Print(os.Stdout, results)
}
