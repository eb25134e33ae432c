// Package lifecycle orchestrates the multi-step file protocols that span the
// blob store, the file repository and the quota ledger.
//
// No transaction covers the three stores. Each protocol instead orders its
// steps so that a failure part-way leaves either nothing visible or an
// unreferenced blob that Reconcile removes later. A file record never points
// at a blob that is not committed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/logging/audit"
	"github.com/3askar/drive/internal/metrics"
	"github.com/3askar/drive/internal/quota"
	"github.com/3askar/drive/internal/sharing"
)

// Config holds the controller's policy knobs.
type Config struct {
	// EnforceQuota rejects content that takes an owner over the limit. When
	// false an overrun is only logged.
	EnforceQuota bool
	// TrashRetention is how long trashed files survive before the janitor
	// purges them. Zero keeps them forever.
	TrashRetention time.Duration
	// OrphanGrace protects fresh, not yet registered blobs and chunks from
	// reconciliation.
	OrphanGrace time.Duration
	// EphemeralRecords marks a repository that does not survive restarts.
	// Blobs committed before the controller started are then never treated
	// as orphans, since their records may simply have been lost.
	EphemeralRecords bool
}

// Deps are the collaborators a controller drives. Audit and Metrics may be
// nil.
type Deps struct {
	Blobs   blob.Store
	Files   files.Repository
	Quota   quota.Ledger
	Audit   *audit.Logger
	Metrics *metrics.Metrics
}

// Controller implements every user-facing file operation.
type Controller struct {
	blobs   blob.Store
	files   files.Repository
	ledger  quota.Ledger
	sharing *sharing.Engine
	audit   *audit.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	started time.Time

	// suspects is the quota drift seen by the previous reconciliation pass.
	driftMu  sync.Mutex
	suspects map[string]Drift
}

// New creates a controller.
func New(deps Deps, cfg Config) *Controller {
	a := deps.Audit
	if a == nil {
		a = audit.Nop()
	}
	return &Controller{
		blobs:   deps.Blobs,
		files:   deps.Files,
		ledger:  deps.Quota,
		sharing: sharing.NewEngine(deps.Files),
		audit:   a,
		metrics: deps.Metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		started: time.Now().UTC(),
	}
}

func requireCaller(caller string) error {
	if caller == "" {
		return ErrUnauthenticated
	}
	return nil
}

// authorize loads a record and checks caller may perform action on it.
// Denials are audited.
func (c *Controller) authorize(ctx context.Context, caller, id string, action sharing.Action) (*files.FileRecord, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: file id is required", ErrInvalidArgument)
	}
	rec, err := c.files.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sharing.Authorize(rec, caller, action); err != nil {
		if errors.Is(err, sharing.ErrForbidden) {
			c.audit.LogAuthz(caller, string(action), id, audit.ResultDenied, err.Error())
		}
		return nil, err
	}
	return rec, nil
}

// reserve charges size bytes to owner and applies the quota policy. On
// rejection the reservation is already undone.
func (c *Controller) reserve(ctx context.Context, owner string, size int64) error {
	usage, err := c.ledger.Reserve(ctx, owner, size)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	if !usage.Exceeded() {
		return nil
	}
	if !c.cfg.EnforceQuota {
		log.Warn().
			Str("owner", owner).
			Int64("used", usage.UsedBytes).
			Int64("limit", usage.LimitBytes).
			Msg("owner is over storage quota")
		return nil
	}
	c.release(ctx, owner, size)
	c.metrics.QuotaRejected()
	return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, usage.UsedBytes-size, usage.LimitBytes)
}

// release undoes a reservation on a compensation path, where the original
// error is what the caller needs to see.
func (c *Controller) release(ctx context.Context, owner string, size int64) {
	if _, err := c.ledger.Release(context.WithoutCancel(ctx), owner, size); err != nil {
		log.Error().Err(err).Str("owner", owner).Int64("bytes", size).Msg("failed to release quota")
	}
}

// discardBlob deletes a blob on a compensation path. A failure leaves an
// orphan for Reconcile.
func (c *Controller) discardBlob(ctx context.Context, id string) {
	if err := c.blobs.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Warn().Err(err).Str("blob", id).Msg("failed to delete blob, leaving it for reconciliation")
	}
}
