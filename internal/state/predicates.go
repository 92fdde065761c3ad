package state

import (
	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/types"
)

// Verdict is the outcome of an admission predicate: a message is
// either accepted outright, parked pending a precondition, or
// silently rejected (spec.md §4.2, §7).
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictPark
	VerdictReject
)

func (s *State) verifySignature(id types.NodeId, m signing.Signable, sig types.Signature) bool {
	pub, ok := s.Config.PublicKeys[id]
	if !ok {
		return false
	}
	return s.Verifier.Verify(pub, m.Prehash(), sig)
}

// ShouldAcceptPrePrepare implements should_accept_pre_prepare: view
// must match, the replica must not be mid view-change, the carried
// request must hash to the claimed digest, the slot must not already
// be bound to a different digest (I1), the sender must be the current
// leader, and the signature must verify.
func (s *State) ShouldAcceptPrePrepare(m types.PrePrepare) Verdict {
	if m.View != s.View || s.InViewChange {
		return VerdictReject
	}
	if m.ClientRequest.Digest() != m.ClientRequestDigest {
		return VerdictReject
	}
	if m.Id != s.CurrentLeader() {
		return VerdictReject
	}
	if existing, ok := s.Bank.LookupPrePrepare(m.Slot()); ok && existing.ClientRequestDigest != m.ClientRequestDigest {
		return VerdictReject
	}
	if !s.verifySignature(m.Id, m, m.Signature) {
		return VerdictReject
	}
	return VerdictAccept
}

// ShouldAcceptPrepare implements should_accept_prepare. If the view
// matches, the replica is not mid view-change, and the signature is
// valid, but no matching PrePrepare has been accepted yet, the
// message should be parked rather than dropped.
func (s *State) ShouldAcceptPrepare(m types.Prepare) Verdict {
	if m.View != s.View || s.InViewChange {
		return VerdictReject
	}
	if !s.verifySignature(m.Id, m, m.Signature) {
		return VerdictReject
	}
	pp, ok := s.Bank.LookupPrePrepare(m.Slot())
	if !ok || pp.ClientRequestDigest != m.Digest {
		return VerdictPark
	}
	return VerdictAccept
}

// ShouldAcceptCommit implements should_accept_commit, analogous to
// ShouldAcceptPrepare but gated on the "prepared" predicate instead of
// an accepted PrePrepare.
func (s *State) ShouldAcceptCommit(m types.Commit) Verdict {
	if m.View != s.View || s.InViewChange {
		return VerdictReject
	}
	if !s.verifySignature(m.Id, m, m.Signature) {
		return VerdictReject
	}
	pp, ok := s.Bank.LookupPrePrepare(m.Slot())
	if !ok || pp.ClientRequestDigest != m.Digest || !s.IsPrepared(m.Slot()) {
		return VerdictPark
	}
	return VerdictAccept
}

// ShouldProcessClientRequest implements should_process_client_request:
// a replica mid view-change processes no client requests.
func (s *State) ShouldProcessClientRequest(r types.ClientRequest) bool {
	return !s.InViewChange
}
