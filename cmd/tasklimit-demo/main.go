/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command tasklimit-demo submits random string-length tasks with random priorities to the task limiter
// and prints how many of them succeeded.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/acronis/go-tasklimit/config"
	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/profserver"
	"github.com/acronis/go-tasklimit/service"
	"github.com/acronis/go-tasklimit/tasklimit"
)

const envVarsPrefix = "tasklimit"

const (
	flagConfig        = "config"
	flagTasks         = "tasks"
	flagWait          = "wait"
	flagStatsInterval = "stats-interval"
	flagFailureRate   = "failure-rate"
)

const (
	defaultTasks         = 100
	defaultWait          = 20 * time.Second
	defaultStatsInterval = time.Second
	defaultFailureRate   = 0.1
	stopTimeout          = 5 * time.Second
)

func main() {
	if err := buildCLI().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "tasklimit-demo"
	app.Usage = "throttle random string-length tasks with the task limiter"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "path to YAML config with \"log\", \"taskLimiter\" and \"profServer\" sections",
			EnvVars: []string{"TASKLIMIT_CONFIG"},
		},
		&cli.IntFlag{
			Name:    flagTasks,
			Aliases: []string{"n"},
			Value:   defaultTasks,
			Usage:   "number of submitted tasks",
		},
		&cli.DurationFlag{
			Name:  flagWait,
			Value: defaultWait,
			Usage: "max wait for each task result",
		},
		&cli.DurationFlag{
			Name:  flagStatsInterval,
			Value: defaultStatsInterval,
			Usage: "interval of limiter stats reporting",
		},
		&cli.Float64Flag{
			Name:  flagFailureRate,
			Value: defaultFailureRate,
			Usage: "probability of a failed call to the simulated downstream",
		},
	}
	app.Action = run
	return app
}

// Limiter defaults of the demo: priorities at or above the safety one are among the random ones,
// so the demo shows both failed and retried tasks.
const (
	demoLimiterName    = "cals-len-string"
	demoWorkers        = 3
	demoPerSecond      = 3
	demoPerMinute      = 100
	demoSafetyPriority = 3
)

// limiterConfig is tasklimit.Config with the demo defaults.
type limiterConfig struct {
	*tasklimit.Config
}

func (c limiterConfig) SetProviderDefaults(dp config.DataProvider) {
	c.Config.SetProviderDefaults(dp)
	dp.SetDefault("name", demoLimiterName)
	dp.SetDefault("workers", demoWorkers)
	dp.SetDefault("perSecond", demoPerSecond)
	dp.SetDefault("perMinute", demoPerMinute)
	dp.SetDefault("safetyPriority", demoSafetyPriority)
}

type appConfig struct {
	Log        *log.Config
	Limiter    *tasklimit.Config
	ProfServer *profserver.Config
}

func loadConfig(path string) (*appConfig, error) {
	cfg := &appConfig{
		Log:        log.NewConfig(""),
		Limiter:    tasklimit.NewConfig(""),
		ProfServer: profserver.NewConfig(""),
	}
	loader := config.NewDefaultLoader(envVarsPrefix)
	var err error
	if path != "" {
		err = loader.LoadFromFile(path, config.DataTypeYAML, cfg.Log, limiterConfig{cfg.Limiter}, cfg.ProfServer)
	} else {
		err = loader.Load(cfg.Log, limiterConfig{cfg.Limiter}, cfg.ProfServer)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	logger, closeLogger := log.NewLogger(cfg.Log)
	defer closeLogger()

	metrics := tasklimit.NewPrometheusMetrics()
	limiter, err := tasklimit.New[string, int](cfg.Limiter,
		tasklimit.WithLogger(logger), tasklimit.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create task limiter: %w", err)
	}

	statsWorker := service.NewPeriodicWorker(
		tasklimit.NewStatsReporter(limiter, logger, metrics), c.Duration(flagStatsInterval), logger)
	units := []service.Unit{
		tasklimit.NewUnit(limiter, tasklimit.UnitOpts{GracefulStopTimeout: stopTimeout, Metrics: metrics}),
		service.NewWorkerUnitWithOpts(statsWorker, service.WorkerUnitOpts{GracefulStopTimeout: stopTimeout}),
	}
	if cfg.ProfServer.Enabled {
		units = append(units, profserver.New(cfg.ProfServer, logger))
	}
	unit := service.NewCompositeUnit(units...)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	svcErr := make(chan error, 1)
	go func() {
		svcErr <- service.New(logger, unit).StartContext(ctx)
	}()

	ds := newLengthService(c.Float64(flagFailureRate), logger)
	tasksNum := c.Int(flagTasks)
	succeeded := submitTasks(limiter, ds, logger, tasksNum, c.Duration(flagWait))
	fmt.Printf("%d/%d\n", succeeded, tasksNum)

	cancel()
	return <-svcErr
}
