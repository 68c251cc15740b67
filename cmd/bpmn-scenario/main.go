// bpmn-scenario 在流程定义上执行 yaml 场景文件, 输出结果和覆盖率
//
//	bpmn-scenario -config configs/config.yaml -scenario configs/order-scenarios.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/blingmoon/simple-bpmn/internal/bootstrap"
	"github.com/blingmoon/simple-bpmn/internal/config"
	"github.com/blingmoon/simple-bpmn/internal/logging"
	"github.com/blingmoon/simple-bpmn/internal/scenariofile"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bpmn-scenario: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) (err error) {
	flags := flag.NewFlagSet("bpmn-scenario", flag.ContinueOnError)
	configPath := flags.String("config", "", "config file, defaults and SIMPLEBPMN_* env are used when empty")
	scenarioPath := flags.String("scenario", "", "scenario file (required)")
	definitionsDir := flags.String("definitions", "", "overrides engine.definitions_dir")
	suite := flags.String("suite", "", "overrides the suite of the scenario file and coverage.suite")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *scenarioPath == "" {
		flags.Usage()
		return errors.New("-scenario is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return errors.WithMessage(err, "load config")
	}
	file, err := scenariofile.Load(*scenarioPath)
	if err != nil {
		return err
	}
	if *definitionsDir != "" {
		cfg.Engine.DefinitionsDir = *definitionsDir
	}
	switch {
	case *suite != "":
		cfg.Coverage.Suite = *suite
	case file.Suite != "":
		cfg.Coverage.Suite = file.Suite
	}

	logger, closeLogger, err := logging.NewLogger(cfg.Logger)
	if err != nil {
		return errors.WithMessage(err, "create logger")
	}
	defer closeLogger()

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, app.Close()) }()

	if err := app.DeployDefinitionsDir(); err != nil {
		return err
	}
	defs, err := file.LoadDefinitions()
	if err != nil {
		return err
	}
	if err := app.Deploy(defs...); err != nil {
		return err
	}

	logger.Info("running scenarios",
		zap.String("suite", cfg.Coverage.Suite),
		zap.Strings("processes", app.Engine.DefinitionKeys()),
		zap.Int("scenarios", len(file.Scenarios)))
	outcomes, runErr := file.Run(ctx, app.Engine, logger)
	for _, outcome := range outcomes {
		if outcome.Passed() {
			fmt.Fprintf(stdout, "PASS %-32s %s -> %s\n", outcome.Name, outcome.Process, outcome.EndEventID)
		} else {
			fmt.Fprintf(stdout, "FAIL %-32s %s: %v\n", outcome.Name, outcome.Process, outcome.Err)
		}
	}

	report, err := app.SaveCoverage(ctx)
	if err != nil {
		return multierr.Append(runErr, err)
	}
	fmt.Fprint(stdout, report.String())
	return multierr.Append(runErr, report.AssertAtLeast(cfg.Coverage.Minimum))
}
