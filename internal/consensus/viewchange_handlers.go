package consensus

import (
	"github.com/sydli/pbftkv/internal/metrics"
	"github.com/sydli/pbftkv/internal/types"
)

// handleInitViewChange implements InitViewChange: ignored if already
// mid view-change or if this replica is the current primary (it has
// nothing to escalate against). Otherwise assembles and broadcasts a
// ViewChange carrying proof of the latest stable checkpoint and every
// slot prepared since then, per spec.md §4.3.
func (e *Engine) handleInitViewChange(req types.ClientRequest) {
	if e.state.InViewChange || e.state.CurrentLeader() == e.id {
		return
	}
	e.state.InViewChange = true
	newView := e.state.View + 1

	var lastStable types.SeqNum
	var checkpointProof []types.Checkpoint
	if e.state.LastStable != nil {
		lastStable = e.state.LastStable.SeqNum
		checkpointProof = e.state.LastStable.Proof
	}

	prepares := map[types.SeqNum]types.PreparedProof{}
	for _, slot := range e.state.Bank.PreparedSlots(lastStable) {
		if proof, ok := e.state.PreparedProofFor(slot); ok {
			prepares[slot.SeqNum] = proof
		}
	}

	vc := types.ViewChange{
		Id:                 e.id,
		NewView:            newView,
		LastStableSeqNum:   lastStable,
		CheckpointProof:    checkpointProof,
		SubsequentPrepares: prepares,
	}
	vc.Signature = types.Signature(e.signer.Sign(vc.Prehash()))

	log.Infof("initiating view change to view %d", newView)
	metrics.ViewChangesInitiated.Inc()
	e.broadcast(types.Message{ViewChange: &vc})
	e.handleAcceptViewChange(vc)
}

// handleAcceptViewChange implements AcceptViewChange: tallies signed
// ViewChange messages per new_view. When 2f+1 are collected and this
// replica is the primary for new_view, it assembles and broadcasts
// the NewView, then folds it through AcceptNewView for itself.
func (e *Engine) handleAcceptViewChange(vc types.ViewChange) {
	votes, crossed := e.state.AddViewChangeVote(vc)
	if !crossed || types.Leader(vc.NewView, e.cfg.NumNodes) != e.id {
		return
	}
	nv := e.buildNewView(vc.NewView, votes)
	e.broadcast(types.Message{NewView: &nv})
	e.handleAcceptNewView(nv)
}

// buildNewView computes O per spec.md §4.3: min_s is the highest
// last_stable_seq_num across the vote set, max_s is the highest
// prepared seq_num carried by any vote; every slot in (min_s, max_s]
// either adopts the prepared request from a vote that has one, or
// gets a no-op PrePrepare. Only called by the new primary, which
// signs every re-issued PrePrepare under its own identity.
func (e *Engine) buildNewView(newView types.View, votes []types.ViewChange) types.NewView {
	var minS, maxS types.SeqNum
	for _, v := range votes {
		if v.LastStableSeqNum > minS {
			minS = v.LastStableSeqNum
		}
	}
	maxS = minS
	for _, v := range votes {
		for s := range v.SubsequentPrepares {
			if s > maxS {
				maxS = s
			}
		}
	}

	outstanding := map[types.SeqNum]types.PrePrepare{}
	for s := minS + 1; s <= maxS; s++ {
		pp, found := adoptedPrePrepare(votes, s)
		if !found {
			req := types.NoOp()
			pp = types.PrePrepare{
				Id:                  e.id,
				SeqNum:              s,
				ClientRequest:       req,
				ClientRequestDigest: req.Digest(),
			}
		}
		pp.Id = e.id
		pp.View = newView
		pp.Signature = types.Signature(e.signer.Sign(pp.Prehash()))
		outstanding[s] = pp
	}

	return types.NewView{
		Id:                     e.id,
		View:                   newView,
		ViewChangeMessages:     votes,
		OutstandingPrePrepares: outstanding,
	}
}

// adoptedPrePrepare finds a prepared proof for seq s among votes,
// preferring (per spec.md §4.3) none over another beyond "any" —
// all honest votes proposing a prepared proof for the same slot must
// agree, since "prepared" requires a 2f+1 matching quorum.
func adoptedPrePrepare(votes []types.ViewChange, s types.SeqNum) (types.PrePrepare, bool) {
	for _, v := range votes {
		if proof, ok := v.SubsequentPrepares[s]; ok {
			return proof.PrePrepare, true
		}
	}
	return types.PrePrepare{}, false
}

// handleAcceptNewView implements AcceptNewView: validates that every
// claimed prepared proof is backed by the required quorum of signed
// Prepares, enters the new view, and treats every carried PrePrepare
// as freshly arrived so that Prepare broadcasts follow. Finally,
// re-submits any request this replica was still waiting on that the
// new view's outstanding pre-prepares never adopted: such a request
// never reached a prepared proof under the old primary at all (the
// primary went silent before pre-preparing it), so without this it
// would be stranded past the view change forever (spec.md §8, E4).
func (e *Engine) handleAcceptNewView(nv types.NewView) {
	if !e.validNewView(nv) {
		log.Debugf("rejected new_view for view %d: insufficient proof", nv.View)
		return
	}
	e.state.ResetForNewView(nv.View)
	e.state.ClearViewChangeVotes(nv.View)
	e.vc.NoteViewEntered()
	metrics.CurrentView.Set(float64(nv.View))

	adopted := map[types.Digest]bool{}
	for seq, pp := range nv.OutstandingPrePrepares {
		if seq > e.state.SeqNum {
			e.state.SeqNum = seq
		}
		if seq > e.state.LastSeqNumCommitted {
			e.handleAcceptPrePrepare(pp)
			adopted[pp.ClientRequestDigest] = true
		}
	}

	for _, req := range e.vc.Drain() {
		if adopted[req.Digest()] {
			continue
		}
		e.handleClientRequest(req)
	}
}

// validNewView checks that nv is backed by 2f+1 ViewChange votes and
// that every prepared proof it cites actually carries >= 2f matching
// Prepares (from distinct replicas, each with a valid signature), per
// spec.md §4.3's AcceptNewView validation clause.
func (e *Engine) validNewView(nv types.NewView) bool {
	if len(nv.ViewChangeMessages) < e.cfg.QuorumViewChange() {
		return false
	}
	for _, vc := range nv.ViewChangeMessages {
		for _, proof := range vc.SubsequentPrepares {
			voters := map[types.NodeId]bool{}
			for _, p := range proof.Prepares {
				if p.CorrespondsTo(proof.PrePrepare) && e.verifySigned(p.Id, p, p.Signature) {
					voters[p.Id] = true
				}
			}
			if len(voters) < 2*e.cfg.NumFaulty {
				return false
			}
		}
	}
	return true
}
