// Package bank implements the Message Bank (M): an append-only,
// in-memory record of accepted protocol messages plus indexed buffers
// of pending ("outstanding") messages, per spec.md §4.1. It is a pure
// data structure — no I/O, no blocking. Every map insertion is
// idempotent; AppendLog is not (it appends unconditionally).
package bank

import (
	"github.com/sydli/pbftkv/internal/types"
)

type prepareKey struct {
	Id     types.NodeId
	View   types.View
	SeqNum types.SeqNum
	Digest types.Digest
}

type commitKey struct {
	Id     types.NodeId
	View   types.View
	SeqNum types.SeqNum
	Digest types.Digest
}

// AppliedRecord pairs a committed-local Commit with the ClientRequest
// it executed and the exact ClientResponse produced at that time, used
// to rebuild checkpoints and to re-answer retried client requests
// (spec.md Testable Property 5, idempotence): a retry must re-send the
// original response verbatim, not recompute one against live state.
type AppliedRecord struct {
	Commit   types.Commit
	Request  types.ClientRequest
	Response types.ClientResponse
}

// PendingApply pairs a committed-local Commit with its ClientRequest
// while it waits for a contiguous predecessor to execute (invariant
// I5).
type PendingApply struct {
	Commit  types.Commit
	Request types.ClientRequest
}

// Bank is the Message Bank (M). It is owned exclusively by the
// consensus engine's single command loop; nothing else may mutate it.
type Bank struct {
	// Log is the ordered sequence of accepted messages. Truncated at
	// stable checkpoint boundaries (invariant I6).
	Log []types.Message

	// AcceptedPrePrepareRequests binds (view, seq_num) to the single
	// PrePrepare accepted for that slot (invariant I1).
	AcceptedPrePrepareRequests map[types.SlotId]types.PrePrepare

	outstandingPrepares map[prepareKey]types.Prepare
	outstandingCommits  map[commitKey]types.Commit

	// AcceptedCommitsNotApplied holds commits that are committed-local
	// (crossed 2f+1 commit votes) but still waiting for a contiguous
	// predecessor to execute (invariant I5).
	AcceptedCommitsNotApplied map[types.SeqNum]PendingApply

	// AppliedCommits is the post-execution record, keyed by seq_num.
	AppliedCommits map[types.SeqNum]AppliedRecord
}

// New returns an empty Message Bank.
func New() *Bank {
	return &Bank{
		AcceptedPrePrepareRequests: map[types.SlotId]types.PrePrepare{},
		outstandingPrepares:        map[prepareKey]types.Prepare{},
		outstandingCommits:         map[commitKey]types.Commit{},
		AcceptedCommitsNotApplied:  map[types.SeqNum]PendingApply{},
		AppliedCommits:             map[types.SeqNum]AppliedRecord{},
	}
}

// AppendLog appends m to the log. It does not deduplicate: callers
// append every message they accept, so a repeated PrePrepare, Prepare
// or Commit that is accepted again is logged again (vote sets count
// each voter once, but the log keeps every copy).
func (b *Bank) AppendLog(m types.Message) {
	b.Log = append(b.Log, m)
}

// BindPrePrepare records the (view, seq_num) -> PrePrepare binding.
// Returns false if a *different* PrePrepare is already bound there
// (invariant I1 — the caller must reject rather than overwrite).
func (b *Bank) BindPrePrepare(pp types.PrePrepare) bool {
	slot := pp.Slot()
	if existing, ok := b.AcceptedPrePrepareRequests[slot]; ok {
		return existing.ClientRequestDigest == pp.ClientRequestDigest
	}
	b.AcceptedPrePrepareRequests[slot] = pp
	return true
}

// LookupPrePrepare returns the PrePrepare bound at slot, if any.
func (b *Bank) LookupPrePrepare(slot types.SlotId) (types.PrePrepare, bool) {
	pp, ok := b.AcceptedPrePrepareRequests[slot]
	return pp, ok
}

// ParkPrepare adds p to the outstanding-prepares buffer. Idempotent.
func (b *Bank) ParkPrepare(p types.Prepare) {
	b.outstandingPrepares[prepareKey{p.Id, p.View, p.SeqNum, p.Digest}] = p
}

// UnparkPrepare removes p from the outstanding-prepares buffer.
func (b *Bank) UnparkPrepare(p types.Prepare) {
	delete(b.outstandingPrepares, prepareKey{p.Id, p.View, p.SeqNum, p.Digest})
}

// OutstandingPreparesCorrespondingTo returns every parked Prepare that
// corresponds to the just-accepted PrePrepare pp, so the engine can
// reprocess them.
func (b *Bank) OutstandingPreparesCorrespondingTo(pp types.PrePrepare) []types.Prepare {
	var out []types.Prepare
	for _, p := range b.outstandingPrepares {
		if p.CorrespondsTo(pp) {
			out = append(out, p)
		}
	}
	return out
}

// ParkCommit adds c to the outstanding-commits buffer. Idempotent.
func (b *Bank) ParkCommit(c types.Commit) {
	b.outstandingCommits[commitKey{c.Id, c.View, c.SeqNum, c.Digest}] = c
}

// UnparkCommit removes c from the outstanding-commits buffer.
func (b *Bank) UnparkCommit(c types.Commit) {
	delete(b.outstandingCommits, commitKey{c.Id, c.View, c.SeqNum, c.Digest})
}

// OutstandingCommitsCorrespondingTo returns every parked Commit that
// corresponds to the just-accepted Prepare p.
func (b *Bank) OutstandingCommitsCorrespondingTo(p types.Prepare) []types.Commit {
	var out []types.Commit
	for _, c := range b.outstandingCommits {
		if c.CorrespondsTo(p) {
			out = append(out, c)
		}
	}
	return out
}

// ParkAppliedCommit records a committed-local commit that cannot yet
// execute because of a gap in seq_num (invariant I5).
func (b *Bank) ParkAppliedCommit(c types.Commit, r types.ClientRequest) {
	b.AcceptedCommitsNotApplied[c.SeqNum] = PendingApply{Commit: c, Request: r}
}

// TakeReadyCommit pops and returns the parked commit for seqNum, if
// any, so the engine can apply it once its predecessor has executed.
func (b *Bank) TakeReadyCommit(seqNum types.SeqNum) (PendingApply, bool) {
	c, ok := b.AcceptedCommitsNotApplied[seqNum]
	if ok {
		delete(b.AcceptedCommitsNotApplied, seqNum)
	}
	return c, ok
}

// RecordApplied records the post-execution record for seqNum, used to
// rebuild checkpoints and re-answer retried requests with the exact
// response originally produced.
func (b *Bank) RecordApplied(seqNum types.SeqNum, c types.Commit, r types.ClientRequest, resp types.ClientResponse) {
	b.AppliedCommits[seqNum] = AppliedRecord{Commit: c, Request: r, Response: resp}
}

// TruncateUpTo drops every accepted PrePrepare and log entry at or
// below committedSeqNum, called once a checkpoint becomes stable
// (invariant I6).
func (b *Bank) TruncateUpTo(committedSeqNum types.SeqNum) {
	for slot := range b.AcceptedPrePrepareRequests {
		if slot.SeqNum <= committedSeqNum {
			delete(b.AcceptedPrePrepareRequests, slot)
		}
	}
	filtered := make([]types.Message, 0, len(b.Log))
	for _, m := range b.Log {
		if !hasSeqNum(m) || seqNumOf(m) > committedSeqNum {
			filtered = append(filtered, m)
		}
	}
	b.Log = filtered
}

func hasSeqNum(m types.Message) bool {
	return m.PrePrepare != nil || m.Prepare != nil || m.Commit != nil
}

func seqNumOf(m types.Message) types.SeqNum {
	switch {
	case m.PrePrepare != nil:
		return m.PrePrepare.SeqNum
	case m.Prepare != nil:
		return m.Prepare.SeqNum
	case m.Commit != nil:
		return m.Commit.SeqNum
	default:
		return 0
	}
}

// PreparesForSlot returns every accepted Prepare in the log for slot,
// for assembling a PreparedProof during a view change.
func (b *Bank) PreparesForSlot(slot types.SlotId) []types.Prepare {
	var out []types.Prepare
	for _, m := range b.Log {
		if m.Prepare != nil && m.Prepare.Slot() == slot {
			out = append(out, *m.Prepare)
		}
	}
	return out
}

// PreparedSlots returns every slot with an accepted PrePrepare whose
// seq_num is greater than afterSeqNum, for scanning which slots might
// be prepared since the last stable checkpoint during a view change.
func (b *Bank) PreparedSlots(afterSeqNum types.SeqNum) []types.SlotId {
	var out []types.SlotId
	for slot := range b.AcceptedPrePrepareRequests {
		if slot.SeqNum > afterSeqNum {
			out = append(out, slot)
		}
	}
	return out
}
