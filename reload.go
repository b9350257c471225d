package sift

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the proxy's
// exclusion list. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each SIGHUP. It should re-read the exclusion
// source and return the new entries (or nil to keep the current list)
// and any error.
type ReloadFunc func(ctx context.Context) ([]string, error)

// FileReload returns a ReloadFunc that re-reads the exclusion list CSV
// at path.
func FileReload(path string) ReloadFunc {
	return func(_ context.Context) ([]string, error) {
		return LoadExclusionListFile(path)
	}
}

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals and
// calls the reload function. Non-nil entries replace the proxy's active
// exclusion list. The returned SIGHUPReloader stops the watcher.
func WatchSIGHUP(proxy *Proxy, reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading exclusion list")
				entries, err := reload(ctx)
				if err != nil {
					logger.Error("exclusion list reload failed", "error", err)
					if proxy.Metrics != nil {
						proxy.Metrics.RecordListReloadError()
					}
					continue
				}
				if entries != nil {
					proxy.SetExclusionList(entries)
					if proxy.Metrics != nil {
						proxy.Metrics.RecordListReload()
					}
					logger.Info("exclusion list reloaded", "count", len(entries))
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
