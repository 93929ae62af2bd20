// Package watchcfg hot-reloads the scheduler tunables section of
// config.Config from disk, the same fsnotify-driven pattern the
// teacher's internal/driver/watcher package uses for media folders,
// narrowed to a single file and a single callback.
package watchcfg

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/flowforge/mediacore/internal/config"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// ErrNotRegularFile is returned by Watch when path does not resolve to
// a plain file fsnotify can watch.
var ErrNotRegularFile = errors.New("watchcfg: path is not a regular file")

// debounce absorbs the burst of fsnotify events most editors generate
// for a single logical save (write, chmod, rename-into-place).
const debounce = 200 * time.Millisecond

// Watch reloads the file at path into a config.SchedulerConfig every
// time it changes and invokes apply with the validated result. It
// blocks until ctx is cancelled or the watcher's event or error
// channel closes; individual watcher errors are logged and watching
// continues.
func Watch(ctx context.Context, logger servicelog.Logger, path string, apply func(config.SchedulerConfig)) error {
	if stat, err := os.Stat(path); err != nil {
		return err
	} else if stat.IsDir() {
		return ErrNotRegularFile
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Error("failed to watch config file", servicelog.String("path", path), servicelog.Error(err))
		return err
	}

	reload := func() {
		cfg, err := load(path)
		if err != nil {
			logger.Error("failed to reload scheduler config", servicelog.String("path", path), servicelog.Error(err))
			return
		}
		logger.Info("reloaded scheduler config", servicelog.String("path", path), servicelog.Int("workers", cfg.Workers))
		apply(cfg)
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return context.Canceled
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watchcfg: events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watchcfg: errors channel closed")
			}
			logger.Error("config watcher error", servicelog.String("path", path), servicelog.Error(err))
		}
	}
}

func load(path string) (config.SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.SchedulerConfig{}, err
	}
	var full config.Config
	if err := yaml.Unmarshal(data, &full); err != nil {
		return config.SchedulerConfig{}, err
	}
	if err := full.Check(); err != nil {
		return config.SchedulerConfig{}, err
	}
	return full.Scheduler, nil
}
