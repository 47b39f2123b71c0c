package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// Janitor garbage-collects in-memory tracking state (loop windows, collab
// threads) that has been idle past the configured horizon. It runs out of
// band; the swept structures are per-key locked so it never races a worker.
type Janitor struct {
	engine *EngineService
	collab *CollabService
	cfg    config.Engine
}

// NewJanitor creates a Janitor.
func NewJanitor(engine *EngineService, collabSvc *CollabService, cfg config.Engine) *Janitor {
	return &Janitor{engine: engine, collab: collabSvc, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loops := j.engine.SweepLoops(j.cfg.StateMaxIdle)
			threads := j.collab.Sweep(j.cfg.StateMaxIdle)
			if loops > 0 || threads > 0 {
				slog.Info("janitor sweep",
					"loop_windows_removed", loops,
					"collab_threads_removed", threads,
				)
			}
		}
	}
}
