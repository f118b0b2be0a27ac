package consensus

import (
	"crypto/sha256"
	"encoding/hex"
)

// byzantineSuffix is appended to a digest to simulate a corrupted
// protocol message. Honest replicas always reject the result as a
// digest mismatch.
const byzantineSuffix = ":byz"

// Digest computes the hex-encoded SHA-256 digest over
// client_id || "|" || request_id || "|" || payload. It depends only on
// those three fields: equal triples always produce equal digests.
func Digest(clientID, requestID, payload string) string {
	h := sha256.New()
	h.Write([]byte(clientID))
	h.Write([]byte("|"))
	h.Write([]byte(requestID))
	h.Write([]byte("|"))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// digestRequest is a convenience wrapper over Digest for a ClientRequest.
func digestRequest(req ClientRequest) string {
	return Digest(req.ClientID, req.RequestID, req.Payload)
}

// corruptDigest appends the Byzantine marker suffix to a digest.
func corruptDigest(digest string) string {
	return digest + byzantineSuffix
}
