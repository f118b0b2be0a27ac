package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	rerrors "github.com/ruvnet/pbftsim/internal/errors"
)

// preambleResult carries what the shared RPC preamble decided while
// holding the lock, so the caller can broadcast SET-VIEW (an outbound
// RPC) only after releasing it.
type preambleResult struct {
	reject      *rerrors.ReplicaError
	raised      bool
	raisedTo    View
	raiseReason string
}

// preamble implements the rejection/view-raise rule shared by the three
// consensus RPCs: reject if not alive; adopt a strictly higher incoming
// view; reject "wrong view" if they still disagree afterward.
func (r *Replica) preamble(msgView View, phase string) preambleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.alive {
		return preambleResult{reject: rerrors.NotAlive()}
	}

	var res preambleResult
	if msgView > r.view {
		reason := fmt.Sprintf("observed higher view in %s", phase)
		if r.setViewLocked(msgView, reason) {
			res.raised = true
			res.raisedTo = msgView
			res.raiseReason = reason
		}
	}
	if msgView != r.view {
		res.reject = rerrors.WrongView()
	}
	return res
}

func (r *Replica) finishPreamble(res preambleResult) {
	if res.raised {
		r.broadcastSetView(res.raisedTo, res.raiseReason)
	}
}

// SubmitClientRequest is the client-facing entrypoint. On a non-primary
// it either forwards to the primary or, after a successful
// ensure_live_primary hop, handles it locally. On the primary it
// allocates (view, seq), multicasts PRE-PREPARE (or chaos PRE-PREPAREs
// if Byzantine), and waits for execution.
func (r *Replica) SubmitClientRequest(ctx context.Context, req ClientRequest) *ClientReply {
	if !r.IsAlive() {
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			Committed: false, Error: rerrors.NotAlive().Error(),
		}
	}

	if !r.IsPrimary() {
		return r.submitAsNonPrimary(ctx, req)
	}
	return r.submitAsPrimary(ctx, req)
}

func (r *Replica) submitAsNonPrimary(ctx context.Context, req ClientRequest) *ClientReply {
	view := r.View()

	if req.Forwarded {
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			View: view, Committed: false, Error: rerrors.NotPrimary(r.PrimaryID()).Error(),
		}
	}

	r.EnsureLivePrimary(ctx, r.n)

	if r.IsPrimary() {
		return r.submitAsPrimary(ctx, req)
	}

	primaryID := r.PrimaryID()
	peer, ok := r.peers[primaryID]
	if !ok {
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			View: r.View(), Committed: false,
			Error: rerrors.ForwardFailed(fmt.Errorf("no client handle for primary %s", primaryID)).Error(),
		}
	}

	fwd := req
	fwd.Forwarded = true
	r.logger.Info("forwarding client request to primary", zap.Stringer("primary", primaryID))
	r.recordSent("CLIENT_REQUEST")
	reply, err := peer.SubmitClientRequest(ctx, &fwd)
	if err != nil {
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			View: r.View(), Committed: false, Error: rerrors.ForwardFailed(err).Error(),
		}
	}
	return reply
}

func (r *Replica) submitAsPrimary(ctx context.Context, req ClientRequest) *ClientReply {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.IncClientRequestsInFlight()
		defer r.metrics.DecClientRequestsInFlight()
	}
	r.mu.Lock()
	view := r.view
	seq := r.nextSeq
	r.nextSeq++
	digest := digestRequest(req)
	entry := newLogEntry(view, seq, digest, req.ClientID, req.RequestID, req.Payload)
	r.log[slotKey{View: view, Seq: seq}] = entry
	primaryID := r.nodeID
	byzantine := r.strategy.Byzantine()
	r.mu.Unlock()

	r.logger.Info("assigned request",
		zap.Uint64("view", uint64(view)), zap.Uint64("seq", uint64(seq)), zap.String("client_id", req.ClientID))

	if byzantine {
		prePrepares := r.strategy.PrePrepares(view, seq, digest, req, primaryID, r.peerIDs())
		for id, pp := range prePrepares {
			peer, ok := r.peers[id]
			if !ok {
				continue
			}
			go func(id ReplicaID, peer PeerClient, pp PrePrepareRequest) {
				callCtx, cancel := context.WithTimeout(context.Background(), MulticastDeadline)
				defer cancel()
				r.recordSent("PRE_PREPARE")
				if _, err := peer.PrePrepare(callCtx, &pp); err != nil {
					r.logger.Debug("chaos pre-prepare failed", zap.Stringer("peer", id), zap.Error(err))
				}
			}(id, peer, pp)
		}
		r.recordClientOutcome(start, false)
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			View: view, Seq: seq, Committed: false, Error: rerrors.ByzantinePrimary().Error(),
		}
	}

	pp := &PrePrepareRequest{View: view, Seq: seq, Digest: digest, PrimaryID: primaryID, Request: req}
	for _, id := range r.peerIDs() {
		peer, ok := r.peers[id]
		if !ok {
			continue
		}
		go func(id ReplicaID, peer PeerClient) {
			callCtx, cancel := context.WithTimeout(context.Background(), MulticastDeadline)
			defer cancel()
			r.recordSent("PRE_PREPARE")
			if _, err := peer.PrePrepare(callCtx, pp); err != nil {
				r.logger.Debug("pre-prepare failed", zap.Stringer("peer", id), zap.Error(err))
			}
		}(id, peer)
	}

	timeout := r.requestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-entry.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	final, stillPresent := r.log[slotKey{View: view, Seq: seq}]
	r.mu.Unlock()
	if !stillPresent {
		r.recordClientOutcome(start, false)
		return &ClientReply{
			ClientID: req.ClientID, RequestID: req.RequestID, ReplicaID: r.nodeID,
			View: view, Seq: seq, Committed: false, Error: rerrors.EntryMissing().Error(),
		}
	}

	r.mu.Lock()
	reply := &ClientReply{
		ClientID: final.ClientID, RequestID: final.RequestID, ReplicaID: r.nodeID,
		View: final.View, Seq: final.Seq, Committed: final.Committed,
		Result: final.Result, Error: final.Error,
	}
	r.mu.Unlock()
	r.recordClientOutcome(start, reply.Committed)
	return reply
}

// recordClientOutcome reports a completed submit_client_request call to
// the metrics recorder, if one is configured.
func (r *Replica) recordClientOutcome(start time.Time, committed bool) {
	if r.metrics == nil {
		return
	}
	r.metrics.ClientRequestLatency(time.Since(start).Seconds())
	r.metrics.ClientRequestResult(committed)
}

// OnPrePrepare handles an incoming PRE-PREPARE: validates the claimed
// primary id and the request digest, accepts or creates the log entry,
// drains any buffered votes, and (if not primary) multicasts PREPARE.
func (r *Replica) OnPrePrepare(ctx context.Context, req *PrePrepareRequest) *Ack {
	r.recordReceived("PRE_PREPARE")
	pre := r.preamble(req.View, "PRE-PREPARE")
	r.finishPreamble(pre)
	if pre.reject != nil {
		return &Ack{Ok: false, Error: pre.reject.Error()}
	}

	r.mu.Lock()
	primaryID := r.primaryIDLocked()
	r.mu.Unlock()
	if req.PrimaryID != primaryID {
		return &Ack{Ok: false, Error: rerrors.WrongPrimary().Error()}
	}

	digest := digestRequest(req.Request)
	if digest != req.Digest {
		r.logger.Warn("pre-prepare digest mismatch",
			zap.Uint64("view", uint64(req.View)), zap.Uint64("seq", uint64(req.Seq)),
			zap.String("recv", req.Digest), zap.String("expected", digest))
		r.mu.Lock()
		newView, changed := r.raiseViewByOneLocked(fmt.Sprintf("suspect primary %s: PRE-PREPARE digest mismatch", primaryID))
		r.mu.Unlock()
		if changed {
			r.broadcastSetView(newView, fmt.Sprintf("suspect primary %s: PRE-PREPARE digest mismatch", primaryID))
		}
		return &Ack{Ok: false, Error: rerrors.DigestMismatch().Error()}
	}

	key := slotKey{View: req.View, Seq: req.Seq}
	pkey := pendingKey{View: req.View, Seq: req.Seq, Digest: req.Digest}

	r.mu.Lock()
	entry, exists := r.log[key]
	if !exists {
		entry = newLogEntry(req.View, req.Seq, req.Digest, req.Request.ClientID, req.Request.RequestID, req.Request.Payload)
		r.log[key] = entry
	}
	if buffered, ok := r.pendingPrepares[pkey]; ok {
		for id := range buffered {
			entry.Prepares[id] = struct{}{}
		}
		delete(r.pendingPrepares, pkey)
	}
	if buffered, ok := r.pendingCommits[pkey]; ok {
		for id := range buffered {
			entry.Commits[id] = struct{}{}
		}
		delete(r.pendingCommits, pkey)
	}
	isPrimary := r.nodeID == primaryID
	broadcastPrepare := r.broadcastPrepare
	r.mu.Unlock()

	if broadcastPrepare && !isPrimary {
		r.multicastPrepare(req.View, req.Seq, req.Digest)
	}

	return &Ack{Ok: true}
}

// multicastPrepare sends PREPARE to every peer and then locally counts
// the sender's own vote via OnPrepare, matching the rule that the
// primary never performs this step for itself (callers never invoke
// multicastPrepare while primary).
func (r *Replica) multicastPrepare(view View, seq Seq, digest string) {
	outDigest := r.strategy.OutgoingDigest(digest)
	req := &PrepareRequest{View: view, Seq: seq, Digest: outDigest, ReplicaID: r.nodeID}
	for _, id := range r.peerIDs() {
		peer, ok := r.peers[id]
		if !ok {
			continue
		}
		go func(id ReplicaID, peer PeerClient) {
			callCtx, cancel := context.WithTimeout(context.Background(), MulticastDeadline)
			defer cancel()
			r.recordSent("PREPARE")
			if _, err := peer.Prepare(callCtx, req); err != nil {
				r.logger.Debug("prepare failed", zap.Stringer("peer", id), zap.Error(err))
			}
		}(id, peer)
	}
	r.OnPrepare(context.Background(), req)
}

// OnPrepare handles an incoming (or self-counted) PREPARE: buffers it if
// the matching PRE-PREPARE hasn't arrived yet, tracks conflicting
// digests as adversary evidence, and multicasts COMMIT once the prepare
// quorum is reached.
func (r *Replica) OnPrepare(ctx context.Context, req *PrepareRequest) *Ack {
	r.recordReceived("PREPARE")
	pre := r.preamble(req.View, "PREPARE")
	r.finishPreamble(pre)
	if pre.reject != nil {
		return &Ack{Ok: false, Error: pre.reject.Error()}
	}

	key := slotKey{View: req.View, Seq: req.Seq}

	r.mu.Lock()
	entry, exists := r.log[key]
	if !exists {
		pkey := pendingKey{View: req.View, Seq: req.Seq, Digest: req.Digest}
		set, ok := r.pendingPrepares[pkey]
		if !ok {
			set = make(map[ReplicaID]struct{})
			r.pendingPrepares[pkey] = set
		}
		set[req.ReplicaID] = struct{}{}
		r.mu.Unlock()
		return &Ack{Ok: true, Error: rerrors.Buffered().Error()}
	}

	if entry.Executed {
		r.mu.Unlock()
		return &Ack{Ok: true, Error: rerrors.AlreadyExecuted().Error()}
	}

	if entry.Digest != req.Digest {
		set, ok := r.conflictingPrepares[key]
		if !ok {
			set = make(map[ReplicaID]struct{})
			r.conflictingPrepares[key] = set
		}
		set[req.ReplicaID] = struct{}{}
		conflicts := len(set)
		primaryID := r.primaryIDLocked()
		threshold := r.f + 1
		var newView View
		var changed bool
		if conflicts >= threshold {
			newView, changed = r.raiseViewByOneLocked(fmt.Sprintf("suspect primary %s: conflicting PREPARE digests for view=%d seq=%d", primaryID, req.View, req.Seq))
		}
		r.mu.Unlock()
		if changed {
			r.broadcastSetView(newView, fmt.Sprintf("suspect primary %s: conflicting PREPARE digests", primaryID))
		}
		return &Ack{Ok: false, Error: rerrors.DigestMismatch().Error()}
	}

	entry.Prepares[req.ReplicaID] = struct{}{}
	prepareCount := len(entry.Prepares)
	becamePrepared := false
	if !entry.Prepared && prepareCount >= r.quorumPrepareLocked() {
		entry.Prepared = true
		becamePrepared = true
	}
	r.mu.Unlock()

	if becamePrepared {
		r.logger.Info("prepared", zap.Uint64("view", uint64(req.View)), zap.Uint64("seq", uint64(req.Seq)), zap.Int("prepares", prepareCount))
		// Unlike the PRE-PREPARE -> PREPARE step, nothing here excludes the
		// primary: it never sends itself a PREPARE (its own entry reaches
		// quorum_prepare purely from peer PREPAREs), but once that entry is
		// prepared it multicasts COMMIT exactly like any other replica. With
		// one faulty non-primary in an n=4 cluster only two honest
		// non-primary COMMITs exist, so the primary's own vote is what lets
		// quorum_commit = 2f+1 = 3 still be reached.
		r.multicastCommit(req.View, req.Seq, req.Digest)
	}

	return &Ack{Ok: true}
}

// multicastCommit sends COMMIT to every peer and locally counts the
// sender's own vote via OnCommit.
func (r *Replica) multicastCommit(view View, seq Seq, digest string) {
	outDigest := r.strategy.OutgoingDigest(digest)
	req := &CommitRequest{View: view, Seq: seq, Digest: outDigest, ReplicaID: r.nodeID}
	for _, id := range r.peerIDs() {
		peer, ok := r.peers[id]
		if !ok {
			continue
		}
		go func(id ReplicaID, peer PeerClient) {
			callCtx, cancel := context.WithTimeout(context.Background(), MulticastDeadline)
			defer cancel()
			r.recordSent("COMMIT")
			if _, err := peer.Commit(callCtx, req); err != nil {
				r.logger.Debug("commit failed", zap.Stringer("peer", id), zap.Error(err))
			}
		}(id, peer)
	}
	r.OnCommit(context.Background(), req)
}

// OnCommit handles an incoming (or self-counted) COMMIT: buffers it if
// the entry doesn't exist yet, rejects a mismatched digest, and executes
// the entry once the commit quorum is reached.
func (r *Replica) OnCommit(ctx context.Context, req *CommitRequest) *Ack {
	r.recordReceived("COMMIT")
	pre := r.preamble(req.View, "COMMIT")
	r.finishPreamble(pre)
	if pre.reject != nil {
		return &Ack{Ok: false, Error: pre.reject.Error()}
	}

	key := slotKey{View: req.View, Seq: req.Seq}

	r.mu.Lock()
	entry, exists := r.log[key]
	if !exists {
		pkey := pendingKey{View: req.View, Seq: req.Seq, Digest: req.Digest}
		set, ok := r.pendingCommits[pkey]
		if !ok {
			set = make(map[ReplicaID]struct{})
			r.pendingCommits[pkey] = set
		}
		set[req.ReplicaID] = struct{}{}
		r.mu.Unlock()
		return &Ack{Ok: true, Error: rerrors.Buffered().Error()}
	}

	if entry.Executed {
		r.mu.Unlock()
		return &Ack{Ok: true, Error: rerrors.AlreadyExecuted().Error()}
	}

	if entry.Digest != req.Digest {
		r.mu.Unlock()
		return &Ack{Ok: false, Error: rerrors.DigestMismatch().Error()}
	}

	entry.Commits[req.ReplicaID] = struct{}{}
	commitCount := len(entry.Commits)
	becameCommitted := false
	if entry.Prepared && !entry.Committed && commitCount >= r.quorumCommitLocked() {
		entry.Committed = true
		becameCommitted = true
	}
	r.mu.Unlock()

	if becameCommitted {
		r.logger.Info("committed", zap.Uint64("view", uint64(req.View)), zap.Uint64("seq", uint64(req.Seq)), zap.Int("commits", commitCount))
		r.execute(entry)
	}

	return &Ack{Ok: true}
}

// execute applies echo semantics and wakes every waiter on entry.done.
// Idempotent: only the first caller to observe !Executed performs the
// transition.
func (r *Replica) execute(entry *logEntry) {
	r.mu.Lock()
	if entry.Executed {
		r.mu.Unlock()
		return
	}
	entry.Result = entry.Payload
	entry.Error = ""
	entry.Executed = true
	r.mu.Unlock()

	r.logger.Info("executed", zap.Uint64("view", uint64(entry.View)), zap.Uint64("seq", uint64(entry.Seq)), zap.String("result", entry.Result))
	entry.signalExecuted()
}

// OnSetView handles an incoming SET-VIEW hint, raising the local view
// when the proposed one is strictly higher and no-oping otherwise.
func (r *Replica) OnSetView(ctx context.Context, req *SetViewRequest) *Ack {
	r.recordReceived("SET_VIEW")
	if !r.IsAlive() {
		return &Ack{Ok: false, Error: rerrors.NotAlive().Error()}
	}
	r.mu.Lock()
	changed := r.setViewLocked(req.View, fmt.Sprintf("set by %s: %s", req.SenderID, req.Reason))
	r.mu.Unlock()
	if changed {
		return &Ack{Ok: true}
	}
	return &Ack{Ok: true, Error: rerrors.ViewNotHigher().Error()}
}

// quorumPrepareLocked returns 2f. Caller must hold mu.
func (r *Replica) quorumPrepareLocked() int { return 2 * r.f }

// quorumCommitLocked returns 2f+1. Caller must hold mu.
func (r *Replica) quorumCommitLocked() int { return 2*r.f + 1 }
