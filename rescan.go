package modkit

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// rescanSchedule holds the cron runner behind StartRescan.
type rescanSchedule struct {
	runner *cron.Cron
	entry  cron.EntryID
}

func (rs *rescanSchedule) stop() {
	rs.runner.Stop()
}

// StartRescan schedules a periodic sweep over every watched directory,
// picking up module files that appeared without producing a watch event
// (network mounts, rsync drops). spec uses standard cron syntax, e.g.
// "*/5 * * * *". Already-loaded files are skipped by the sweep, so a
// schedule that fires with nothing new to do is cheap. Calling StartRescan
// on a loader that already has a schedule replaces it.
func (l *Loader) StartRescan(spec string) error {
	runner := cron.New()
	entry, err := runner.AddFunc(spec, l.rescanPass)
	if err != nil {
		return fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		runner.Stop()
		return ErrLoaderClosed
	}
	if l.rescan != nil {
		l.rescan.stop()
	}
	runner.Start()
	l.rescan = &rescanSchedule{runner: runner, entry: entry}
	l.logger.Info("Directory rescan scheduled", "spec", spec)
	return nil
}

// StopRescan cancels the rescan schedule if one is running.
func (l *Loader) StopRescan() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rescan != nil {
		l.rescan.stop()
		l.rescan = nil
	}
}

// rescanPass loads any new eligible files in the watched directories.
func (l *Loader) rescanPass() {
	l.mu.Lock()
	dirs := make([]string, 0, len(l.watchedDirs))
	for dir := range l.watchedDirs {
		dirs = append(dirs, dir)
	}
	l.mu.Unlock()

	for _, dir := range dirs {
		report, err := l.LoadFromDirectory(context.Background(), dir, LoadOptions{})
		if err != nil {
			l.logger.Error("Rescan pass failed", "dir", dir, "error", err)
			continue
		}
		if len(report.Loaded) > 0 || len(report.Failed) > 0 {
			l.logger.Info("Rescan pass finished",
				"dir", dir,
				"loaded", len(report.Loaded),
				"failed", len(report.Failed),
				"skipped", len(report.Skipped))
		}
	}
}
