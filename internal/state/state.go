// Package state implements State (S): the derived view over the
// Message Bank that tracks view/sequence bookkeeping, vote tallies,
// the applied key-value store, and the admission predicates that
// decide whether an incoming message may be accepted, parked, or
// silently dropped, per spec.md §4.2.
package state

import (
	"github.com/coreos/pkg/capnslog"

	"github.com/sydli/pbftkv/internal/bank"
	"github.com/sydli/pbftkv/internal/config"
	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "state")

// StableCheckpoint records a (seq, digest) pair backed by 2f+1 signed
// Checkpoints, authorizing log truncation and serving as proof in
// future view changes.
type StableCheckpoint struct {
	SeqNum types.SeqNum
	View   types.View
	Digest types.Digest
	Store  map[string]uint32
	// Proof is the 2f+1 signed Checkpoints that made this checkpoint
	// stable, carried verbatim into a later ViewChange's
	// checkpoint_proof (spec.md §4.3).
	Proof []types.Checkpoint
}

// State is owned exclusively by the consensus engine's single command
// loop; nothing else mutates it.
type State struct {
	Config   *config.Config
	Bank     *bank.Bank
	Verifier signing.Verifier

	View                types.View
	SeqNum              types.SeqNum
	LastSeqNumCommitted types.SeqNum
	InViewChange        bool
	Store               map[string]uint32

	PrepareVotes map[types.SlotId]map[types.NodeId]bool
	CommitVotes  map[types.SlotId]map[types.NodeId]bool

	LastStable *StableCheckpoint

	checkpointVotes map[checkpointKey]map[types.NodeId]types.Checkpoint
	// pendingProof holds the quorum of Checkpoints that just crossed
	// the stability threshold, set by AddCheckpointVote and consumed
	// by the immediately-following Stabilize call.
	pendingProof []types.Checkpoint

	viewChangeVotes map[types.View]map[types.NodeId]types.ViewChange
}

type checkpointKey struct {
	SeqNum types.SeqNum
	Digest types.Digest
}

// New builds a fresh State rooted at view 0, seq_num 0, with an empty
// store, backed by bank b.
func New(cfg *config.Config, b *bank.Bank, verifier signing.Verifier) *State {
	return &State{
		Config:          cfg,
		Bank:            b,
		Verifier:        verifier,
		Store:           map[string]uint32{},
		PrepareVotes:    map[types.SlotId]map[types.NodeId]bool{},
		CommitVotes:     map[types.SlotId]map[types.NodeId]bool{},
		checkpointVotes: map[checkpointKey]map[types.NodeId]types.Checkpoint{},
		viewChangeVotes: map[types.View]map[types.NodeId]types.ViewChange{},
	}
}

// CurrentLeader returns the primary for the current view:
// current_leader() = view mod n.
func (s *State) CurrentLeader() types.NodeId {
	return types.Leader(s.View, s.Config.NumNodes)
}

// AddPrepareVote records that id voted Prepare for slot, and reports
// whether this vote is the one that first crosses the 2f+1 quorum
// (invariant I3), so the caller enqueues EnterCommit exactly once.
func (s *State) AddPrepareVote(slot types.SlotId, id types.NodeId) bool {
	return addVote(s.PrepareVotes, slot, id, s.Config.QuorumPrepareCommit())
}

// AddCommitVote records that id voted Commit for slot, and reports
// whether this vote is the one that first crosses the 2f+1 quorum
// (invariant I4), so the caller enqueues ApplyCommit exactly once.
func (s *State) AddCommitVote(slot types.SlotId, id types.NodeId) bool {
	return addVote(s.CommitVotes, slot, id, s.Config.QuorumPrepareCommit())
}

func addVote(votes map[types.SlotId]map[types.NodeId]bool, slot types.SlotId, id types.NodeId, quorum int) bool {
	set, ok := votes[slot]
	if !ok {
		set = map[types.NodeId]bool{}
		votes[slot] = set
	}
	wasBelow := len(set) < quorum
	set[id] = true
	return wasBelow && len(set) >= quorum
}

// IsPrepared reports whether slot has crossed the prepare quorum
// locally — the "prepared" predicate of the GLOSSARY.
func (s *State) IsPrepared(slot types.SlotId) bool {
	_, hasPP := s.Bank.LookupPrePrepare(slot)
	return hasPP && len(s.PrepareVotes[slot]) >= s.Config.QuorumPrepareCommit()
}

// IsCommittedLocal reports whether slot has crossed the commit quorum
// locally — "committed-local" in the GLOSSARY.
func (s *State) IsCommittedLocal(slot types.SlotId) bool {
	return s.IsPrepared(slot) && len(s.CommitVotes[slot]) >= s.Config.QuorumPrepareCommit()
}

// PreparedProofFor builds the PreparedProof for slot if it is
// prepared, for inclusion in a ViewChange's subsequent_prepares.
func (s *State) PreparedProofFor(slot types.SlotId) (types.PreparedProof, bool) {
	pp, ok := s.Bank.LookupPrePrepare(slot)
	if !ok || !s.IsPrepared(slot) {
		return types.PreparedProof{}, false
	}
	return types.PreparedProof{PrePrepare: pp, Prepares: s.Bank.PreparesForSlot(slot)}, true
}

// ResetForNewView clears in-progress view-change state and vote
// tallies for slots the new view will redrive, called from
// AcceptNewView.
func (s *State) ResetForNewView(newView types.View) {
	s.View = newView
	s.InViewChange = false
	s.PrepareVotes = map[types.SlotId]map[types.NodeId]bool{}
	s.CommitVotes = map[types.SlotId]map[types.NodeId]bool{}
}
