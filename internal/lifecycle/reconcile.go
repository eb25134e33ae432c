package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/logging/audit"
)

// ReconcileOptions controls a reconciliation pass.
type ReconcileOptions struct {
	// Fix repairs what the pass finds. Without it the pass only reports.
	Fix bool
	// Grace overrides Config.OrphanGrace when positive.
	Grace time.Duration
}

// Drift is an owner whose ledger disagrees with their file records.
type Drift struct {
	OwnerID     string `json:"ownerId"`
	LedgerBytes int64  `json:"ledgerBytes"`
	RecordBytes int64  `json:"recordBytes"`
	Fixed       bool   `json:"fixed"`
}

// Report is the outcome of a reconciliation pass.
type Report struct {
	TrashPurged    int           `json:"trashPurged"`
	OrphanBlobs    []string      `json:"orphanBlobs"`
	OrphansDeleted int           `json:"orphansDeleted"`
	Drift          []Drift       `json:"drift"`
	GC             *blob.GCStats `json:"gc,omitempty"`
}

// Clean reports whether the pass found nothing to repair.
func (r *Report) Clean() bool {
	return r.TrashPurged == 0 && len(r.OrphanBlobs) == 0 && len(r.Drift) == 0
}

// Reconcile restores the invariants partial failures can break: expired
// trash is purged, blobs no record references are deleted, ledger counters
// are reset to the sum of their owner's records and unreferenced chunks are
// collected. Everything younger than the grace period is left alone so
// uploads in flight are not mistaken for orphans.
func (c *Controller) Reconcile(ctx context.Context, opts ReconcileOptions) (*Report, error) {
	grace := c.cfg.OrphanGrace
	if opts.Grace > 0 {
		grace = opts.Grace
	}
	report := &Report{}

	if opts.Fix && c.cfg.TrashRetention > 0 {
		n, err := c.purgeExpiredTrash(ctx)
		report.TrashPurged = n
		if err != nil {
			return report, err
		}
	}
	if err := c.reconcileOrphans(ctx, grace, opts.Fix, report); err != nil {
		return report, err
	}
	if err := c.reconcileQuota(ctx, opts.Fix, report); err != nil {
		return report, err
	}

	if gc, ok := c.blobs.(blob.GarbageCollector); ok && opts.Fix {
		stats, err := gc.CollectGarbage(ctx, grace)
		if err != nil {
			return report, fmt.Errorf("collect garbage: %w", err)
		}
		report.GC = &stats
	}
	return report, nil
}

func (c *Controller) purgeExpiredTrash(ctx context.Context) (int, error) {
	expired, err := c.files.TrashedBefore(ctx, c.now().Add(-c.cfg.TrashRetention))
	if err != nil {
		return 0, fmt.Errorf("find expired trash: %w", err)
	}
	purged := 0
	for _, rec := range expired {
		if err := c.purge(ctx, rec); err != nil {
			log.Warn().Err(err).Str("file", rec.ID).Msg("failed to purge expired trash")
			continue
		}
		purged++
		c.audit.LogFileOp("system", "purge_expired", rec.ID, audit.ResultAllowed, rec.OwnerID)
	}
	return purged, nil
}

// reconcileOrphans lists blobs before record references so that a blob
// registered in between is seen as referenced.
func (c *Controller) reconcileOrphans(ctx context.Context, grace time.Duration, fix bool, report *Report) error {
	blobs, err := c.blobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	referenced, err := c.files.BlobIDs(ctx)
	if err != nil {
		return fmt.Errorf("list referenced blobs: %w", err)
	}

	cutoff := c.now().Add(-grace)
	for _, info := range blobs {
		if _, ok := referenced[info.ID]; ok || info.CreatedAt.After(cutoff) {
			continue
		}
		if c.cfg.EphemeralRecords && info.CreatedAt.Before(c.started) {
			continue
		}
		report.OrphanBlobs = append(report.OrphanBlobs, info.ID)
		if !fix {
			continue
		}
		if err := c.blobs.Delete(ctx, info.ID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Warn().Err(err).Str("blob", info.ID).Msg("failed to delete orphaned blob")
			continue
		}
		report.OrphansDeleted++
	}
	c.metrics.OrphansReclaimed(report.OrphansDeleted)
	return nil
}

// reconcileQuota compares every owner's counter with their records. A
// registration holds its reservation for a moment before its record exists,
// so a single observation is not proof of drift: a counter is only repaired
// when the previous pass saw the same mismatch, and then only if it has not
// moved since.
func (c *Controller) reconcileQuota(ctx context.Context, fix bool, report *Report) error {
	usage, err := c.files.UsageByOwner(ctx)
	if err != nil {
		return fmt.Errorf("sum usage by owner: %w", err)
	}
	owners, err := c.ledger.Owners(ctx)
	if err != nil {
		return fmt.Errorf("list ledger owners: %w", err)
	}
	all := make(map[string]struct{}, len(usage)+len(owners))
	for o := range usage {
		all[o] = struct{}{}
	}
	for _, o := range owners {
		all[o] = struct{}{}
	}
	sorted := make([]string, 0, len(all))
	for o := range all {
		sorted = append(sorted, o)
	}
	sort.Strings(sorted)

	c.driftMu.Lock()
	defer c.driftMu.Unlock()
	previous := c.suspects
	c.suspects = make(map[string]Drift)

	for _, owner := range sorted {
		u, err := c.ledger.Usage(ctx, owner)
		if err != nil {
			return fmt.Errorf("read quota for %s: %w", owner, err)
		}
		want := usage[owner]
		if u.UsedBytes == want {
			continue
		}
		d := Drift{OwnerID: owner, LedgerBytes: u.UsedBytes, RecordBytes: want}
		if p, seen := previous[owner]; fix && seen && p == d {
			swapped, err := c.ledger.CompareAndSet(ctx, owner, d.LedgerBytes, want)
			if err != nil {
				return fmt.Errorf("reset quota for %s: %w", owner, err)
			}
			if swapped {
				d.Fixed = true
				c.audit.LogFileOp("system", "quota_reset", "", audit.ResultAllowed,
					fmt.Sprintf("%s: %d -> %d", owner, u.UsedBytes, want))
			}
		}
		if !d.Fixed {
			c.suspects[owner] = d
		}
		log.Warn().Str("owner", owner).Int64("ledger", d.LedgerBytes).Int64("records", d.RecordBytes).
			Bool("fixed", d.Fixed).Msg("quota drift detected")
		report.Drift = append(report.Drift, d)
	}
	c.metrics.DriftDetected(len(report.Drift))
	return nil
}

// Unconfirmed reports whether the pass saw drift it left for a later pass
// to confirm.
func (r *Report) Unconfirmed() bool {
	for _, d := range r.Drift {
		if !d.Fixed {
			return true
		}
	}
	return false
}

// RunJanitor reconciles with repairs every interval until ctx is done.
func (c *Controller) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.Reconcile(ctx, ReconcileOptions{Fix: true})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("reconciliation failed")
				continue
			}
			ev := log.Info()
			if report.Clean() {
				ev = log.Debug()
			}
			ev.Int("trash_purged", report.TrashPurged).
				Int("orphans_deleted", report.OrphansDeleted).
				Int("drift", len(report.Drift)).
				Msg("reconciliation complete")
		}
	}
}
