package consensus

import (
	"fmt"
	"math/rand"
)

// AdversaryStrategy governs how a replica constructs its outgoing
// protocol messages. honestStrategy always produces the correct
// content; byzantineStrategy tailors each PRE-PREPARE per recipient, so
// that honest peers observe conflicting evidence rather than a single
// bad message everyone agrees on, and corrupts the digest on every
// PREPARE/COMMIT it sends.
type AdversaryStrategy interface {
	// PrePrepares returns one PrePrepareRequest per peer for a freshly
	// assigned (view, seq, digest): honest primaries return the same
	// correct request for every peer, Byzantine primaries return an
	// independently mutated request per peer.
	PrePrepares(view View, seq Seq, correctDigest string, req ClientRequest, primaryID ReplicaID, peers []ReplicaID) map[ReplicaID]PrePrepareRequest

	// OutgoingDigest transforms a correct digest before it is placed on
	// an outgoing PREPARE or COMMIT. Honest replicas return it unchanged.
	OutgoingDigest(correctDigest string) string

	// Byzantine reports whether this strategy ever deviates from the
	// protocol, for logging and for GetStatus/Metrics.
	Byzantine() bool
}

// StrategyFor returns the strategy a replica should use given its
// provisioning-time Byzantine flag.
func StrategyFor(byzantine bool) AdversaryStrategy {
	if !byzantine {
		return honestStrategy{}
	}
	return byzantineStrategy{}
}

type honestStrategy struct{}

func (honestStrategy) PrePrepares(view View, seq Seq, digest string, req ClientRequest, primaryID ReplicaID, peers []ReplicaID) map[ReplicaID]PrePrepareRequest {
	out := make(map[ReplicaID]PrePrepareRequest, len(peers))
	correct := PrePrepareRequest{View: view, Seq: seq, Digest: digest, PrimaryID: primaryID, Request: req}
	for _, p := range peers {
		out[p] = correct
	}
	return out
}

func (honestStrategy) OutgoingDigest(correctDigest string) string { return correctDigest }

func (honestStrategy) Byzantine() bool { return false }

// chaosMode names one way a Byzantine primary tailors a PRE-PREPARE for
// a given peer.
type chaosMode int

const (
	chaosWrongDigest chaosMode = iota
	chaosMutatedPayload
)

// byzantineStrategy implements the adversarial primary/replica behavior:
// a Byzantine primary sends each peer an independently tailored chaos
// PRE-PREPARE (never the correct one), and a Byzantine replica of any
// role corrupts the digest on every PREPARE/COMMIT it sends.
type byzantineStrategy struct{}

func (byzantineStrategy) PrePrepares(view View, seq Seq, correctDigest string, req ClientRequest, primaryID ReplicaID, peers []ReplicaID) map[ReplicaID]PrePrepareRequest {
	out := make(map[ReplicaID]PrePrepareRequest, len(peers))
	for _, p := range peers {
		mode := chaosMode(rand.Intn(2))
		chaosReq := req
		digest := correctDigest
		switch mode {
		case chaosWrongDigest:
			// wrong_digest: correct request, corrupted digest. Every honest
			// peer recomputes the same (correct) digest and rejects it as a
			// mismatch immediately.
			digest = corruptDigest(correctDigest)
		case chaosMutatedPayload:
			// mutated_payload: the payload itself diverges per peer, and the
			// digest is recomputed over *that* mutated payload, so it passes
			// each peer's own mismatch check. Divergence only surfaces when
			// replicas compare notes during PREPARE.
			chaosReq.Payload = chaosReq.Payload + fmt.Sprintf("|BYZ:%s:%d", p, rand.Int63())
			digest = digestRequest(chaosReq)
		}
		out[p] = PrePrepareRequest{View: view, Seq: seq, Digest: digest, PrimaryID: primaryID, Request: chaosReq}
	}
	return out
}

func (byzantineStrategy) OutgoingDigest(correctDigest string) string {
	return corruptDigest(correctDigest)
}

func (byzantineStrategy) Byzantine() bool { return true }
