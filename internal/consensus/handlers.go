package consensus

import (
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/metrics"
	"github.com/sydli/pbftkv/internal/state"
	"github.com/sydli/pbftkv/internal/types"
)

// handleProcessMessage dispatches an inbound wire message to the
// admission predicate for its variant, per spec.md §4.3. Acceptance
// enqueues the corresponding Accept* command; a message that arrives
// before its precondition is parked in the Bank rather than dropped;
// anything else is a silent, Byzantine-safe drop.
func (e *Engine) handleProcessMessage(m types.Message) {
	switch {
	case m.PrePrepare != nil:
		pp := *m.PrePrepare
		switch e.state.ShouldAcceptPrePrepare(pp) {
		case state.VerdictAccept:
			e.Enqueue(commands.OfAcceptPrePrepare(pp))
		default:
			log.Debugf("dropped pre_prepare from node %d at %s", pp.Id, pp.Slot())
		}

	case m.Prepare != nil:
		p := *m.Prepare
		switch e.state.ShouldAcceptPrepare(p) {
		case state.VerdictAccept:
			e.Enqueue(commands.OfAcceptPrepare(p))
		case state.VerdictPark:
			e.state.Bank.ParkPrepare(p)
			log.Debugf("parked prepare from node %d at %s", p.Id, p.Slot())
		default:
			log.Debugf("dropped prepare from node %d at %s", p.Id, p.Slot())
		}

	case m.Commit != nil:
		c := *m.Commit
		switch e.state.ShouldAcceptCommit(c) {
		case state.VerdictAccept:
			e.Enqueue(commands.OfAcceptCommit(c))
		case state.VerdictPark:
			e.state.Bank.ParkCommit(c)
			log.Debugf("parked commit from node %d at %s", c.Id, c.Slot())
		default:
			log.Debugf("dropped commit from node %d at %s", c.Id, c.Slot())
		}

	case m.Checkpoint != nil:
		if e.verifySigned(m.Checkpoint.Id, *m.Checkpoint, m.Checkpoint.Signature) {
			e.Enqueue(commands.OfAcceptCheckpoint(*m.Checkpoint))
		}

	case m.ViewChange != nil:
		if e.verifySigned(m.ViewChange.Id, *m.ViewChange, m.ViewChange.Signature) {
			e.Enqueue(commands.OfAcceptViewChange(*m.ViewChange))
		}

	case m.NewView != nil:
		e.Enqueue(commands.OfAcceptNewView(*m.NewView))

	case m.ClientRequest != nil:
		e.handleClientRequest(*m.ClientRequest)

	case m.ClientResponse != nil:
		// Replicas never receive ClientResponse; only clients do.
	}
}

func (e *Engine) verifySigned(id types.NodeId, m interface{ Prehash() []byte }, sig types.Signature) bool {
	pub, ok := e.cfg.PublicKeys[id]
	if !ok {
		return false
	}
	return e.verifier.Verify(pub, m.Prehash(), sig)
}

// handleClientRequest implements should_process_client_request plus
// the leader-routing decision: the primary turns it into
// InitPrePrepare, a backup forwards it as MisdirectedClientRequest.
func (e *Engine) handleClientRequest(r types.ClientRequest) {
	if !e.state.ShouldProcessClientRequest(r) {
		return
	}
	if resp, ok := e.state.FindAppliedResponse(r); ok {
		e.sendSignedResponse(r.RespondAddr, resp)
		return
	}
	if e.state.CurrentLeader() == e.id {
		e.Enqueue(commands.OfInitPrePrepare(r))
	} else {
		e.Enqueue(commands.OfMisdirectedClientRequest(r))
	}
}

// handleMisdirectedClientRequest forwards r to the current leader and
// starts the view-change wait timer on it, per spec.md §4.3.
func (e *Engine) handleMisdirectedClientRequest(r types.ClientRequest) {
	leader := e.state.CurrentLeader()
	if addr, ok := e.peerAddr(leader); ok {
		e.sendTo(addr, types.Message{ClientRequest: &r})
	}
	e.vc.Add(r)
}

// handleInitPrePrepare implements InitPrePrepare: primary-only,
// assigns the next seq_num, signs, and broadcasts, then folds the
// result through AcceptPrePrepare exactly as a remote replica would.
func (e *Engine) handleInitPrePrepare(r types.ClientRequest) {
	if e.state.CurrentLeader() != e.id || e.state.InViewChange {
		return
	}
	e.state.SeqNum++
	pp := types.PrePrepare{
		Id:                  e.id,
		View:                e.state.View,
		SeqNum:              e.state.SeqNum,
		ClientRequestDigest: r.Digest(),
		ClientRequest:       r,
	}
	pp.Signature = types.Signature(e.signer.Sign(pp.Prehash()))
	e.broadcast(types.Message{PrePrepare: &pp})
	e.handleAcceptPrePrepare(pp)
}

// handleAcceptPrePrepare implements AcceptPrePrepare: binds the slot
// (I1), adopts its seq_num if it is higher than State.SeqNum, appends
// to the log, starts the wait timer on the carried request, broadcasts
// this replica's own Prepare, and reprocesses any Prepares that were
// parked awaiting exactly this PrePrepare.
func (e *Engine) handleAcceptPrePrepare(pp types.PrePrepare) {
	if !e.state.Bank.BindPrePrepare(pp) {
		log.Debugf("rejected equivocating pre_prepare at %s", pp.Slot())
		return
	}
	if pp.SeqNum > e.state.SeqNum {
		e.state.SeqNum = pp.SeqNum
	}
	e.state.Bank.AppendLog(types.Message{PrePrepare: &pp})
	metrics.PrePreparesAccepted.Inc()
	if !pp.ClientRequest.IsNoOp() {
		e.vc.Add(pp.ClientRequest)
	}

	prepare := types.Prepare{
		Id:     e.id,
		View:   pp.View,
		SeqNum: pp.SeqNum,
		Digest: pp.ClientRequestDigest,
	}
	prepare.Signature = types.Signature(e.signer.Sign(prepare.Prehash()))
	e.broadcast(types.Message{Prepare: &prepare})
	e.handleAcceptPrepare(prepare)

	for _, parked := range e.state.Bank.OutstandingPreparesCorrespondingTo(pp) {
		e.handleAcceptPrepare(parked)
	}
}

// handleAcceptPrepare implements AcceptPrepare: unparks, logs, and
// tallies the vote; on first crossing 2f+1 it enqueues EnterCommit
// exactly once (invariant I3); then reprocesses any Commits parked
// awaiting this exact Prepare.
func (e *Engine) handleAcceptPrepare(p types.Prepare) {
	e.state.Bank.UnparkPrepare(p)
	e.state.Bank.AppendLog(types.Message{Prepare: &p})
	if e.state.AddPrepareVote(p.Slot(), p.Id) {
		metrics.PrepareQuorumsReached.Inc()
		e.Enqueue(commands.OfEnterCommit(p))
	}
	for _, parked := range e.state.Bank.OutstandingCommitsCorrespondingTo(p) {
		e.handleAcceptCommit(parked)
	}
}

// handleEnterCommit implements EnterCommit: broadcast a signed Commit
// for the slot p prepared, then fold through AcceptCommit for this
// replica's own vote.
func (e *Engine) handleEnterCommit(p types.Prepare) {
	commit := types.Commit{
		Id:     e.id,
		View:   p.View,
		SeqNum: p.SeqNum,
		Digest: p.Digest,
	}
	commit.Signature = types.Signature(e.signer.Sign(commit.Prehash()))
	e.broadcast(types.Message{Commit: &commit})
	e.handleAcceptCommit(commit)
}

// handleAcceptCommit implements AcceptCommit: unparks, logs, and
// tallies the vote; on first crossing 2f+1 (invariant I4) it enqueues
// ApplyCommit exactly once.
func (e *Engine) handleAcceptCommit(c types.Commit) {
	e.state.Bank.UnparkCommit(c)
	e.state.Bank.AppendLog(types.Message{Commit: &c})
	if e.state.AddCommitVote(c.Slot(), c.Id) {
		metrics.CommitQuorumsReached.Inc()
		e.Enqueue(commands.OfApplyCommit(c))
	}
}

// handleApplyCommit implements ApplyCommit: looks up the bound
// request, removes it from the view changer's wait set, applies it
// (draining any now-contiguous parked commits, invariant I5), signs
// and sends each resulting ClientResponse, and triggers a checkpoint
// broadcast when last_seq_num_committed, after the apply, is a positive
// multiple of checkpoint_frequency. A multiple that is passed over
// while draining several parked commits in one call triggers none.
func (e *Engine) handleApplyCommit(c types.Commit) {
	pp, ok := e.state.Bank.LookupPrePrepare(c.Slot())
	if !ok {
		return
	}
	req := pp.ClientRequest
	if !req.IsNoOp() {
		e.vc.Remove(req)
	}

	responses := e.state.ApplyCommit(req, c)
	for _, resp := range responses {
		metrics.RequestsApplied.Inc()
		e.sendSignedResponse(req.RespondAddr, resp)
	}
	metrics.LastSeqNumCommitted.Set(float64(e.state.LastSeqNumCommitted))

	if e.state.MaybeCheckpoint() {
		e.broadcastCheckpoint()
	}
}

func (e *Engine) sendSignedResponse(addr string, resp types.ClientResponse) {
	if addr == "" {
		return
	}
	resp.Id = e.id
	resp.Signature = types.Signature(e.signer.Sign(resp.Prehash()))
	e.sendTo(addr, types.Message{ClientResponse: &resp})
}

func (e *Engine) broadcastCheckpoint() {
	cp := e.state.BuildCheckpoint(e.id)
	cp.Signature = types.Signature(e.signer.Sign(cp.Prehash()))
	e.broadcast(types.Message{Checkpoint: &cp})
	e.handleAcceptCheckpoint(cp)
}

// handleAcceptCheckpoint implements AcceptCheckpoint: tallies by
// (committed_seq_num, state_digest); on reaching 2f+1 the checkpoint
// becomes stable (Testable Property 7) and the Bank and vote tallies
// are truncated (invariant I6).
func (e *Engine) handleAcceptCheckpoint(cp types.Checkpoint) {
	if _, justStabilized := e.state.AddCheckpointVote(cp); justStabilized {
		e.state.Stabilize(cp)
		metrics.CheckpointsStabilized.Inc()
	}
}
