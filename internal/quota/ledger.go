// Package quota tracks bytes consumed per owner against a storage limit.
//
// A Ledger only counts: Reserve and Release always apply their delta and
// report the resulting usage. Deciding whether a reservation is acceptable is
// the caller's policy.
package quota

import (
	"context"
	"errors"
	"fmt"
)

// DefaultLimitBytes is the per-owner limit when none is configured (15 GiB).
const DefaultLimitBytes int64 = 15 << 30

var (
	// ErrInconsistent reports that a release exceeded the recorded usage.
	// The counter is clamped at zero; the drift needs reconciliation.
	ErrInconsistent = errors.New("quota accounting inconsistent")
	// ErrInvalidDelta rejects negative byte counts.
	ErrInvalidDelta = errors.New("byte delta must not be negative")
)

// Usage is an owner's consumption at a point in time.
type Usage struct {
	OwnerID    string `json:"ownerId"`
	UsedBytes  int64  `json:"usedBytes"`
	LimitBytes int64  `json:"limitBytes"` // 0 = unlimited
}

// Exceeded reports whether usage is above the limit.
func (u Usage) Exceeded() bool {
	return u.LimitBytes > 0 && u.UsedBytes > u.LimitBytes
}

// Fits reports whether n more bytes stay within the limit.
func (u Usage) Fits(n int64) bool {
	return u.LimitBytes == 0 || u.UsedBytes+n <= u.LimitBytes
}

// AvailableBytes returns the remaining allowance, or -1 when unlimited.
func (u Usage) AvailableBytes() int64 {
	if u.LimitBytes == 0 {
		return -1
	}
	if avail := u.LimitBytes - u.UsedBytes; avail > 0 {
		return avail
	}
	return 0
}

// Limits resolves an owner's limit.
type Limits struct {
	Default  int64
	PerOwner map[string]int64
}

// For returns the limit that applies to owner.
func (l Limits) For(owner string) int64 {
	if v, ok := l.PerOwner[owner]; ok {
		return v
	}
	return l.Default
}

// Ledger is the per-owner usage counter.
type Ledger interface {
	Reserve(ctx context.Context, owner string, delta int64) (Usage, error)
	// Release subtracts delta. Going below zero clamps to zero and returns
	// the clamped usage together with ErrInconsistent.
	Release(ctx context.Context, owner string, delta int64) (Usage, error)
	Usage(ctx context.Context, owner string) (Usage, error)
	// CompareAndSet replaces an owner's usage with used only if it still
	// equals expected, and reports whether it did. Used by reconciliation.
	CompareAndSet(ctx context.Context, owner string, expected, used int64) (bool, error)
	// Owners lists every owner with a recorded counter.
	Owners(ctx context.Context) ([]string, error)
}

func checkArgs(owner string, delta int64) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	if delta < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	return nil
}
