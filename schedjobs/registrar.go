package schedjobs

import (
	"context"
	"log/slog"

	"github.com/fieldline/ingestd/sourceconfig"
)

// ConfigLister supplies the full set of source configurations. Satisfied
// by *sourceconfig.Store.
type ConfigLister interface {
	List(ctx context.Context) ([]*sourceconfig.SourceConfig, error)
}

// SyncStats reports one reconciliation pass.
type SyncStats struct {
	Registered int `json:"registered"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Registrar reconciles scheduler jobs against the configuration set.
type Registrar struct {
	scheduler Scheduler
	configs   ConfigLister
	log       *slog.Logger
}

// NewRegistrar wires a registrar.
func NewRegistrar(scheduler Scheduler, configs ConfigLister, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{scheduler: scheduler, configs: configs, log: log}
}

// SyncAll walks every source configuration once: enabled scheduled_pull
// sources are registered, everything else is skipped (with disabled
// scheduled_pull sources additionally getting their stale job deleted).
// One source's failure never aborts the pass; it increments Failed and
// the walk continues, so a single bad schedule can't block the rest of
// the fleet from registering.
func (r *Registrar) SyncAll(ctx context.Context) (SyncStats, error) {
	var stats SyncStats

	configs, err := r.configs.List(ctx)
	if err != nil {
		return stats, err
	}

	for _, cfg := range configs {
		if cfg.Ingestion.Mode != sourceconfig.TriggerScheduledPull {
			stats.Skipped++
			continue
		}
		if !cfg.Enabled {
			// Converge: a disabled source must not keep firing.
			if err := r.scheduler.DeleteJob(ctx, JobName(cfg.SourceID)); err != nil {
				r.log.Warn("schedjobs: delete for disabled source failed",
					"source_id", cfg.SourceID, "error", err)
				stats.Failed++
				continue
			}
			stats.Skipped++
			continue
		}

		err := r.scheduler.RegisterJob(ctx, JobName(cfg.SourceID),
			cfg.Ingestion.Schedule, map[string]string{"source_id": cfg.SourceID})
		if err != nil {
			r.log.Warn("schedjobs: register failed",
				"source_id", cfg.SourceID, "error", err)
			stats.Failed++
			continue
		}
		stats.Registered++
	}

	r.log.Info("schedjobs: sync complete",
		"registered", stats.Registered, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

// Remove deletes the scheduler job for a source. Idempotent.
func (r *Registrar) Remove(ctx context.Context, sourceID string) error {
	return r.scheduler.DeleteJob(ctx, JobName(sourceID))
}
