package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/mordilloSan/go_logger/logger"
	cron "github.com/robfig/cron/v3"
)

// cronLogger routes cron's own messages to the daemon log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debugf("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}

// newBuildCron returns a cron runner with job registered on spec, evaluated in the configured timezone.
// Overlapping runs are skipped.
func (d *daemon) newBuildCron(spec string, job func()) (*cron.Cron, error) {
	loc, err := d.cfg.Location()
	if err != nil {
		return nil, err
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("invalid serve.schedule %q: %w", spec, err)
	}
	return c, nil
}

// startScheduler starts periodic rebuilds and returns a function that stops them
// and waits for a running job to finish.
func (d *daemon) startScheduler(ctx context.Context) (func(), error) {
	spec := d.cfg.Serve.Schedule
	c, err := d.newBuildCron(spec, func() {
		err := d.triggerBuild(ctx, TriggerSchedule)
		switch {
		case errors.Is(err, errBuildRunning):
			logger.Infof("Scheduled build skipped: %v", err)
		case err != nil:
			logger.Errorf("Scheduled build failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	logger.Infof("Build schedule %q registered", spec)

	return func() {
		<-c.Stop().Done()
	}, nil
}
