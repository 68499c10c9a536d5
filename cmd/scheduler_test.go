package cmd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBuildCronRejectsInvalidSpec(t *testing.T) {
	d := &daemon{cfg: newTestConfig(t)}
	if _, err := d.newBuildCron("every now and then", func() {}); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}

	c, err := d.newBuildCron("0 3 * * *", func() {})
	if err != nil {
		t.Fatalf("newBuildCron: %v", err)
	}
	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	loc, err := d.cfg.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	// the runner hands schedules its own clock, so 03:00 means 03:00 in Asia/Shanghai
	next := entries[0].Schedule.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).In(loc))
	if got := next.UTC(); !got.Equal(time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC)) {
		t.Fatalf("next run = %v, want 2024-01-01T19:00:00Z", got)
	}
}

func TestStartSchedulerTriggersBuilds(t *testing.T) {
	d := newDaemonWithDB(t)
	d.cfg.Serve.Schedule = "@every 1s"

	var builds atomic.Int32
	var trigger atomic.Value
	prev := buildOverride
	buildOverride = func(_ *daemon, _ context.Context, opts BuildOptions) (*BuildReport, error) {
		trigger.Store(opts.Trigger)
		builds.Add(1)
		return &BuildReport{}, nil
	}
	t.Cleanup(func() { buildOverride = prev })

	stop, err := d.startScheduler(context.Background())
	if err != nil {
		t.Fatalf("startScheduler: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool { return builds.Load() >= 1 })
	stop()

	if got := trigger.Load(); got != TriggerSchedule {
		t.Fatalf("trigger = %v, want %q", got, TriggerSchedule)
	}
}

func TestStartSchedulerInvalidSpec(t *testing.T) {
	d := newDaemonWithDB(t)
	d.cfg.Serve.Schedule = "bogus"
	if _, err := d.startScheduler(context.Background()); err == nil {
		t.Fatal("expected startScheduler to fail")
	}
}
