// Package scheduler places queued sandboxes onto node slots. Placement is
// first-fit over online nodes in (name, id) order; mutual exclusion per
// slot comes from KV slot leases, so concurrent schedulers never double
// book a slot.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/store"
)

// Placement is a successful node+slot assignment.
type Placement struct {
	NodeID string
	Slot   int
}

type Scheduler struct {
	store    store.Store
	kv       *kv.Client
	logger   *slog.Logger
	leaseTTL time.Duration
}

func New(st store.Store, kvc *kv.Client, logger *slog.Logger, leaseTTL time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &Scheduler{
		store:    st,
		kv:       kvc,
		logger:   logger.With("component", "scheduler"),
		leaseTTL: leaseTTL,
	}
}

// Place finds a free slot for the sandbox and takes its lease. The caller
// owns the lease from here: renew while running, release on terminal
// transitions.
func (s *Scheduler) Place(ctx context.Context, sandboxID string) (Placement, error) {
	nodes, err := s.store.ListOnlineNodes(ctx)
	if err != nil {
		return Placement{}, apierror.Wrap(apierror.CodeInternal, err, "failed to list nodes")
	}
	if len(nodes) == 0 {
		return Placement{}, apierror.New(apierror.CodeNoCapacity, "No online nodes available")
	}

	for _, node := range nodes {
		for slot := 0; slot < node.SlotsTotal; slot++ {
			ok, err := s.kv.AcquireSlotLease(ctx, node.ID, slot, sandboxID, s.leaseTTL)
			if err != nil {
				return Placement{}, apierror.Wrap(apierror.CodeInternal, err, "slot lease acquisition failed")
			}
			if ok {
				s.logger.Info("sandbox placed",
					"sandbox_id", sandboxID,
					"node_id", node.ID,
					"slot", slot,
				)
				return Placement{NodeID: node.ID, Slot: slot}, nil
			}
		}
	}

	return Placement{}, apierror.New(apierror.CodeNoCapacity, "All nodes are at capacity")
}

// Release frees the slot lease for a placement. Idempotent.
func (s *Scheduler) Release(ctx context.Context, p Placement, sandboxID string) {
	if err := s.kv.ReleaseSlotLease(ctx, p.NodeID, p.Slot, sandboxID); err != nil {
		s.logger.Warn("failed to release slot lease",
			"sandbox_id", sandboxID,
			"node_id", p.NodeID,
			"slot", p.Slot,
			"error", err,
		)
	}
}

// Renew extends the lease for a running sandbox. A false return means the
// lease expired and the slot may already belong to someone else.
func (s *Scheduler) Renew(ctx context.Context, p Placement, sandboxID string) (bool, error) {
	return s.kv.RenewSlotLease(ctx, p.NodeID, p.Slot, sandboxID, s.leaseTTL)
}
