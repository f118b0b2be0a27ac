package consensus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// setViewLocked sets view := newView iff newView > view, reporting
// whether a change occurred. Caller must hold mu.
func (r *Replica) setViewLocked(newView View, reason string) bool {
	if newView <= r.view {
		return false
	}
	old := r.view
	r.view = newView
	r.viewRaises++
	if r.metrics != nil {
		r.metrics.ViewRaised(uint64(newView))
	}
	r.logger.Info("view raised",
		zap.Uint64("old_view", uint64(old)),
		zap.Uint64("new_view", uint64(newView)),
		zap.Stringer("new_primary", r.primaryIDLocked()),
		zap.String("reason", reason),
	)
	return true
}

// raiseViewByOneLocked is the simplified view-change trigger: each call
// advances by exactly one from the current view, regardless of what the
// caller observed, so a single trigger never jumps by more than one.
// Two triggers each advance the view, even if both were observed at the
// same view.
func (r *Replica) raiseViewByOneLocked(reason string) (View, bool) {
	next := r.view + 1
	changed := r.setViewLocked(next, reason)
	return r.view, changed
}

// broadcastSetView best-effort multicasts a SET-VIEW hint to every peer
// with a short deadline; failures are logged at debug and otherwise
// ignored.
func (r *Replica) broadcastSetView(newView View, reason string) {
	req := &SetViewRequest{View: newView, SenderID: r.nodeID, Reason: reason}
	for _, id := range r.peerIDs() {
		peer, ok := r.peers[id]
		if !ok {
			continue
		}
		go func(id ReplicaID, peer PeerClient) {
			ctx, cancel := context.WithTimeout(context.Background(), SetViewDeadline)
			defer cancel()
			r.recordSent("SET_VIEW")
			if _, err := peer.SetView(ctx, req); err != nil {
				r.logger.Debug("set-view broadcast failed", zap.Stringer("peer", id), zap.Error(err))
			}
		}(id, peer)
	}
}

// SyncViewFromPeers queries every peer's status at startup and adopts
// the highest observed view, letting a restarted replica rejoin a
// cluster that has since rotated past view 0.
func (r *Replica) SyncViewFromPeers(ctx context.Context) {
	maxSeen := View(0)
	for _, id := range r.peerIDs() {
		peer, ok := r.peers[id]
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, PingDeadline)
		status, err := peer.GetStatus(callCtx)
		cancel()
		if err != nil {
			r.logger.Debug("status query failed during view sync", zap.Stringer("peer", id), zap.Error(err))
			continue
		}
		if status.View > maxSeen {
			maxSeen = status.View
		}
	}
	r.mu.Lock()
	changed := r.setViewLocked(maxSeen, "synced view from peers at startup")
	r.mu.Unlock()
	if changed {
		r.logger.Info("adopted peer view at startup", zap.Uint64("view", uint64(maxSeen)))
	}
}

// EnsureLivePrimary pings the current primary and, if unreachable, raises
// the view by one (locally and via broadcast) and retries with the new
// primary, up to hops iterations. Returns true iff this replica is now
// primary.
func (r *Replica) EnsureLivePrimary(ctx context.Context, hops int) bool {
	for i := 0; i < hops; i++ {
		r.mu.Lock()
		primary := r.primaryIDLocked()
		isSelf := primary == r.nodeID
		view := r.view
		r.mu.Unlock()

		if isSelf {
			return true
		}

		peer, ok := r.peers[primary]
		if !ok {
			return false
		}

		if err := r.pingLimiter.Wait(ctx); err != nil {
			return false
		}

		pingCtx, cancel := context.WithTimeout(ctx, PingDeadline)
		r.recordSent("PING")
		_, err := peer.Ping(pingCtx)
		cancel()
		if err == nil {
			return false
		}

		r.logger.Info("primary unreachable, raising view",
			zap.Stringer("primary", primary), zap.Uint64("view", uint64(view)), zap.Error(err))

		r.mu.Lock()
		newView, changed := r.raiseViewByOneLocked(fmt.Sprintf("primary %s unreachable", primary))
		r.mu.Unlock()
		if changed {
			r.broadcastSetView(newView, fmt.Sprintf("primary %s unreachable", primary))
		}
	}
	return false
}
